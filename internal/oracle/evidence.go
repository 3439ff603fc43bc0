package oracle

import (
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
)

// EvidenceHashes returns the evidence digests recorded on prediction
// records: the hashes supplied with the evidence, lower-cased, followed by
// keccak256 of every URL and of the summary. Duplicates are dropped.
func EvidenceHashes(ev *domain.Evidence) []string {
	if ev == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	add := func(h string) {
		if h == "" || seen[h] {
			return
		}
		seen[h] = true
		out = append(out, h)
	}
	for _, h := range ev.Hashes {
		add(strings.ToLower(strings.TrimSpace(h)))
	}
	for _, u := range ev.URLs {
		add(hexutil.Encode(ethcrypto.Keccak256([]byte(u))))
	}
	if ev.Summary != "" {
		add(hexutil.Encode(ethcrypto.Keccak256([]byte(ev.Summary))))
	}
	return out
}
