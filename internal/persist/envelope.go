// Package persist stores engine state in a key-value backend as versioned
// JSON envelopes, coalesces rapid writes and announces changes to other
// processes sharing the backend.
package persist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/market"
	"github.com/alanyoungcy/pulsemarket/internal/vault"
)

// Version is the envelope schema version. Envelopes carrying any other
// version are treated as absent.
const Version = 1

// Envelope wraps one persisted record.
type Envelope struct {
	Version int             `json:"version"`
	SavedAt int64           `json:"savedAt"`
	Data    json.RawMessage `json:"data"`
}

// Encode wraps v in an envelope stamped with now.
func Encode(v any, now time.Time) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("persist: encode: %w", err)
	}
	raw, err := json.Marshal(Envelope{Version: Version, SavedAt: now.UnixMilli(), Data: data})
	if err != nil {
		return "", fmt.Errorf("persist: encode envelope: %w", err)
	}
	return string(raw), nil
}

// strict decodes b into out rejecting unknown fields and trailing data.
func strict(b []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data")
	}
	return nil
}

// Open unwraps an envelope and strictly decodes its data into out.
func Open(raw string, out any) (Envelope, error) {
	var env Envelope
	if err := strict([]byte(raw), &env); err != nil {
		return Envelope{}, fmt.Errorf("persist: envelope: %v: %w", err, domain.ErrDecodeFailure)
	}
	if env.Version != Version {
		return Envelope{}, fmt.Errorf("persist: envelope version %d: %w", env.Version, domain.ErrDecodeFailure)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return Envelope{}, fmt.Errorf("persist: empty envelope: %w", domain.ErrDecodeFailure)
	}
	if err := strict(env.Data, out); err != nil {
		return Envelope{}, fmt.Errorf("persist: data: %v: %w", err, domain.ErrDecodeFailure)
	}
	return env, nil
}

// DecodeVault decodes and validates a vault envelope.
func DecodeVault(raw string) (domain.Vault, error) {
	var v domain.Vault
	if _, err := Open(raw, &v); err != nil {
		return domain.Vault{}, err
	}
	if v.Locks == nil {
		v.Locks = []domain.VaultLock{}
	}
	if err := vault.Validate(v); err != nil {
		return domain.Vault{}, fmt.Errorf("persist: %v: %w", err, domain.ErrDecodeFailure)
	}
	return v, nil
}

// DecodeMarket decodes and validates a market envelope.
func DecodeMarket(raw string) (domain.Market, error) {
	var m domain.Market
	if _, err := Open(raw, &m); err != nil {
		return domain.Market{}, err
	}
	if err := market.Validate(m); err != nil {
		return domain.Market{}, fmt.Errorf("persist: %v: %w", err, domain.ErrDecodeFailure)
	}
	return m, nil
}

// DecodeProphecy decodes and validates a prediction record envelope.
func DecodeProphecy(raw string) (domain.Prophecy, error) {
	var p domain.Prophecy
	if _, err := Open(raw, &p); err != nil {
		return domain.Prophecy{}, err
	}
	if p.ID == "" || p.MarketID == "" || !p.Status.Valid() || !p.Side.Valid() {
		return domain.Prophecy{}, fmt.Errorf("persist: prophecy %q malformed: %w", p.ID, domain.ErrDecodeFailure)
	}
	return p, nil
}

// DecodeApplied decodes an applied resolution key envelope.
func DecodeApplied(raw string) (string, error) {
	var key string
	if _, err := Open(raw, &key); err != nil {
		return "", err
	}
	if key == "" {
		return "", fmt.Errorf("persist: empty applied key: %w", domain.ErrDecodeFailure)
	}
	return key, nil
}
