// Package protocol implements the Protocol Actors (C4): the goroutines that
// drive the Setup, Rollover, and Collaborative-Settlement peer handshakes.
// Each actor owns its CFD's Address Map slot (C3, claimed by its caller)
// for the duration of one run and posts exactly one terminal Result before
// returning, whether it completed, was rejected, or failed.
package protocol

import (
	"context"
	"fmt"

	"github.com/certen/cfd-daemon/internal/cfd"
	"github.com/certen/cfd-daemon/internal/wire"
)

// frameWriter and frameReader narrow *wire.Writer/*wire.Reader to what a
// protocol actor needs, so a dispatcher that multiplexes several CFDs over
// one physical connection can hand an actor a per-cfd routed reader instead
// of the shared connection's own frame reader.
type frameWriter interface {
	WriteMessage(v any) error
}

type frameReader interface {
	ReadMessage(v any) error
}

// Peer bundles the framed transport halves an actor needs to exchange
// messages with its counterparty. The dispatcher (C7) owns the underlying
// connection; an actor only ever sees these two ends.
type Peer struct {
	Tx frameWriter
	Rx frameReader
}

// send writes one envelope, wrapping marshal errors uniformly.
func (p Peer) send(id cfd.OrderID, kind wire.MessageKind, body any) error {
	env, err := wire.NewEnvelope(id, kind, body)
	if err != nil {
		return fmt.Errorf("protocol: build %s envelope: %w", kind, err)
	}
	if err := p.Tx.WriteMessage(env); err != nil {
		return fmt.Errorf("protocol: send %s: %w", kind, err)
	}
	return nil
}

// recv reads the next envelope and decodes its body, checking kind.
func (p Peer) recv(want wire.MessageKind, into any) error {
	var env wire.Envelope
	if err := p.Rx.ReadMessage(&env); err != nil {
		return fmt.Errorf("protocol: receive %s: %w", want, err)
	}
	if err := wire.DecodeBody(env, want, into); err != nil {
		return err
	}
	return nil
}

// checkCtx returns ctx's error if ctx is already done. Each handshake calls
// it once before its first step; later sends and receives are not
// interrupted by it.
func checkCtx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// defaultCetCount is the number of price-range CETs built per setup/rollover
// when the oracle announcement's digit count isn't otherwise constrained.
const defaultCetCount = 1
