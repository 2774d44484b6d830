// Package cfd implements the event-sourced contract-for-difference aggregate
// (component C2). The core treats Bitcoin and DLC cryptography as opaque:
// transactions are carried as hex-encoded consensus bytes, public keys and
// signatures as fixed-size byte arrays, and no function in this package
// parses, validates, or signs any of them. That is the job of the wallet,
// monitor, and oracle collaborators behind internal/contracts.
package cfd

import (
	"encoding/hex"
	"encoding/json"
	"errors"
)

// Amount is a quantity of satoshis.
type Amount int64

// Txid is a transaction id, 32 bytes, displayed big-endian-hex like Bitcoin
// Core does.
type Txid [32]byte

func (t Txid) String() string { return hex.EncodeToString(reversed(t[:])) }

func (t Txid) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *Txid) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return errors.New("cfd: invalid txid")
	}
	copy(t[:], reversed(raw))
	return nil
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// Transaction carries raw consensus-serialized transaction bytes. The core
// never decodes the contents; it only stores, hashes, and forwards them to
// the wallet for signing/broadcast.
type Transaction struct {
	Txid Txid
	Raw  []byte // consensus-encoded bytes
}

func (t Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Txid string `json:"txid"`
		Hex  string `json:"hex"`
	}{t.Txid.String(), hex.EncodeToString(t.Raw)})
}

func (t *Transaction) UnmarshalJSON(b []byte) error {
	var aux struct {
		Txid string `json:"txid"`
		Hex  string `json:"hex"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	raw, err := hex.DecodeString(aux.Hex)
	if err != nil {
		return err
	}
	txidRaw, err := hex.DecodeString(aux.Txid)
	if err != nil || len(txidRaw) != 32 {
		return errors.New("cfd: invalid transaction txid")
	}
	t.Raw = raw
	copy(t.Txid[:], reversed(txidRaw))
	return nil
}

// PublicKey is an opaque secp256k1 public key.
type PublicKey [33]byte

func (k PublicKey) String() string { return hex.EncodeToString(k[:]) }

func (k PublicKey) MarshalJSON() ([]byte, error) { return json.Marshal(k.String()) }

func (k *PublicKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 33 {
		return errors.New("cfd: invalid public key")
	}
	copy(k[:], raw)
	return nil
}

// AdaptorSignature is an opaque encrypted (adaptor) Schnorr signature,
// decryptable only with an oracle-derived scalar.
type AdaptorSignature []byte

func (s AdaptorSignature) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(s))
}

func (s *AdaptorSignature) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	raw, err := hex.DecodeString(str)
	if err != nil {
		return err
	}
	*s = raw
	return nil
}

// Signature is an opaque, already-decrypted Schnorr/ECDSA signature.
type Signature []byte

func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(s))
}

func (s *Signature) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	raw, err := hex.DecodeString(str)
	if err != nil {
		return err
	}
	*s = raw
	return nil
}

// Script is an opaque output/address descriptor (e.g. a miniscript
// descriptor string), opaque to the core.
type Script string

// Address is an opaque on-chain address, opaque to the core.
type Address string
