package market

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
)

// LocalProvider is the oracle provider name recorded on local resolutions.
const LocalProvider = "local"

// LocalOutcome decides a market without an oracle. The seed is the xxhash64
// of "marketID|resolvedPulse|yesCondition" and its top bit selects YES. The
// same inputs give the same outcome on every run and every host.
func LocalOutcome(marketID string, resolvedPulse domain.Pulse, yesCondition string) domain.Outcome {
	var b strings.Builder
	b.WriteString(marketID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(uint64(resolvedPulse), 10))
	b.WriteByte('|')
	b.WriteString(yesCondition)
	if xxhash.Sum64String(b.String())>>63 == 1 {
		return domain.OutcomeYes
	}
	return domain.OutcomeNo
}

// LocalResolution builds the resolution record for the local path.
func LocalResolution(def domain.MarketDef, resolvedPulse domain.Pulse) domain.MarketResolution {
	return domain.MarketResolution{
		MarketID:      def.ID,
		Outcome:       LocalOutcome(def.ID, resolvedPulse, def.Rules.YesCondition),
		ResolvedPulse: resolvedPulse,
		Oracle:        domain.OracleRef{Provider: LocalProvider},
	}
}
