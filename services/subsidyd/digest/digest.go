// Package digest commits claim metadata to a keccak256 digest that is embedded
// in the on-chain claim submission and can be recomputed from stored fields.
package digest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"agrisubsidy/services/subsidyd/units"
)

// EncodingError reports a metadata field that is absent or semantically invalid.
type EncodingError struct {
	Field  string
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("digest: field %s: %s", e.Field, e.Reason)
}

// Metadata is the off-chain content committed by a claim digest.
type Metadata struct {
	// AmountWei is the base-10 claim amount in wei.
	AmountWei        string
	Remarks          string
	ProgramID        string
	ProgramOnchainID string
	// SubmittedAt is unix seconds.
	SubmittedAt int64
}

// canonical keys are declared in lexicographic order so encoding/json emits
// them sorted.
type canonicalPayload struct {
	Amount           string `json:"amount"`
	ProgramID        string `json:"programId"`
	ProgramOnchainID string `json:"programOnchainId"`
	Remarks          string `json:"remarks"`
	SubmittedAt      int64  `json:"submittedAt"`
}

func (m Metadata) normalize() (canonicalPayload, error) {
	amount, err := units.ParseWei(m.AmountWei)
	if err != nil {
		return canonicalPayload{}, &EncodingError{Field: "amount", Reason: "must be a base-10 wei integer"}
	}
	if amount.IsZero() {
		return canonicalPayload{}, &EncodingError{Field: "amount", Reason: "must be positive"}
	}
	programID := strings.TrimSpace(m.ProgramID)
	if programID == "" {
		return canonicalPayload{}, &EncodingError{Field: "programId", Reason: "required"}
	}
	onchain := strings.TrimSpace(m.ProgramOnchainID)
	if onchain == "" {
		return canonicalPayload{}, &EncodingError{Field: "programOnchainId", Reason: "required"}
	}
	onchainValue, err := units.ParseWei(onchain)
	if err != nil {
		return canonicalPayload{}, &EncodingError{Field: "programOnchainId", Reason: "must be a base-10 integer"}
	}
	if m.SubmittedAt <= 0 {
		return canonicalPayload{}, &EncodingError{Field: "submittedAt", Reason: "required"}
	}
	return canonicalPayload{
		Amount:           amount.Dec(),
		ProgramID:        programID,
		ProgramOnchainID: onchainValue.Dec(),
		Remarks:          strings.TrimSpace(m.Remarks),
		SubmittedAt:      m.SubmittedAt,
	}, nil
}

// CanonicalJSON returns the sorted-key, whitespace-free encoding that is hashed.
func (m Metadata) CanonicalJSON() ([]byte, error) {
	payload, err := m.normalize()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("digest: encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Digest computes the keccak256 hash over the canonical JSON representation.
func (m Metadata) Digest() (common.Hash, error) {
	canonical, err := m.CanonicalJSON()
	if err != nil {
		return common.Hash{}, err
	}
	return ethcrypto.Keccak256Hash(canonical), nil
}

// Verify recomputes the digest and compares it with an expected 0x-prefixed hex value.
func (m Metadata) Verify(expected string) (bool, error) {
	got, err := m.Digest()
	if err != nil {
		return false, err
	}
	want, err := ParseHash(expected)
	if err != nil {
		return false, err
	}
	return got == want, nil
}

// ParseHash decodes a 32-byte 0x-prefixed hex digest.
func ParseHash(raw string) (common.Hash, error) {
	b, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return common.Hash{}, &EncodingError{Field: "digest", Reason: err.Error()}
	}
	if len(b) != common.HashLength {
		return common.Hash{}, &EncodingError{Field: "digest", Reason: "must be 32 bytes"}
	}
	return common.BytesToHash(b), nil
}

// ParseCanonical decodes a canonical payload regardless of key order. Unknown
// keys and missing keys are rejected.
func ParseCanonical(data []byte) (Metadata, error) {
	var raw map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Metadata{}, &EncodingError{Field: "payload", Reason: err.Error()}
	}
	allowed := map[string]bool{"amount": true, "programId": true, "programOnchainId": true, "remarks": true, "submittedAt": true}
	for key := range raw {
		if !allowed[key] {
			return Metadata{}, &EncodingError{Field: key, Reason: "unknown field"}
		}
	}
	var m Metadata
	var err error
	if m.AmountWei, err = stringField(raw, "amount"); err != nil {
		return Metadata{}, err
	}
	if m.ProgramID, err = stringField(raw, "programId"); err != nil {
		return Metadata{}, err
	}
	if m.ProgramOnchainID, err = stringField(raw, "programOnchainId"); err != nil {
		return Metadata{}, err
	}
	if m.Remarks, err = stringField(raw, "remarks"); err != nil {
		return Metadata{}, err
	}
	ts, ok := raw["submittedAt"]
	if !ok {
		return Metadata{}, &EncodingError{Field: "submittedAt", Reason: "required"}
	}
	if m.SubmittedAt, err = strconv.ParseInt(strings.TrimSpace(string(ts)), 10, 64); err != nil {
		return Metadata{}, &EncodingError{Field: "submittedAt", Reason: "must be an integer"}
	}
	if _, err := m.normalize(); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

func stringField(raw map[string]json.RawMessage, key string) (string, error) {
	value, ok := raw[key]
	if !ok {
		return "", &EncodingError{Field: key, Reason: "required"}
	}
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return "", &EncodingError{Field: key, Reason: "must be a string"}
	}
	return s, nil
}
