package datasource

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CertTarget is where an api credential is placed on the outgoing request.
type CertTarget string

const (
	CertHeader CertTarget = "header"
	CertCookie CertTarget = "cookie"
	CertParam  CertTarget = "param"
)

// Valid reports whether t is a known target.
func (t CertTarget) Valid() bool {
	return t == CertHeader || t == CertCookie || t == CertParam
}

// CertificateEntry is one credential of an api source.
type CertificateEntry struct {
	Target CertTarget `json:"target"`
	Key    string     `json:"key"`
	Value  string     `json:"value"`
}

// EncodeCertificates renders the side-channel string stored next to the
// encrypted configuration. An empty list encodes to "[]".
func EncodeCertificates(list []CertificateEntry) (string, error) {
	if list == nil {
		list = []CertificateEntry{}
	}
	for i, e := range list {
		if err := e.validate(); err != nil {
			return "", fmt.Errorf("certificate[%d]: %w", i, err)
		}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("encode certificates: %w", err)
	}
	return string(b), nil
}

// DecodeCertificates parses and validates the side-channel string. Unknown
// keys, unknown targets and entries without a key are rejected. An empty
// string decodes to an empty list.
func DecodeCertificates(s string) ([]CertificateEntry, error) {
	if s == "" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.DisallowUnknownFields()

	var list []CertificateEntry
	if err := dec.Decode(&list); err != nil {
		return nil, fmt.Errorf("decode certificates: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode certificates: trailing data")
	}
	for i, e := range list {
		if err := e.validate(); err != nil {
			return nil, fmt.Errorf("certificate[%d]: %w", i, err)
		}
	}
	return list, nil
}

func (e CertificateEntry) validate() error {
	if !e.Target.Valid() {
		return fmt.Errorf("unknown target %q", e.Target)
	}
	if e.Key == "" {
		return fmt.Errorf("empty key for target %s", e.Target)
	}
	return nil
}

// FindCertificate returns the first entry for target.
func FindCertificate(list []CertificateEntry, target CertTarget) (CertificateEntry, bool) {
	for _, e := range list {
		if e.Target == target {
			return e, true
		}
	}
	return CertificateEntry{}, false
}
