package ratchet

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"slices"

	"golang.org/x/crypto/hkdf"

	"cipherline/internal/crypto"
	"cipherline/internal/domain"
	"cipherline/internal/util/memzero"
)

// DefaultMaxSkip is the default number of message keys a receiver may skip.
const DefaultMaxSkip = 10

// maxRetired bounds how many previous receiving ratchet keys are remembered
// for replay detection. An envelope under a key older than this is treated
// as a new ratchet step and fails authentication. At 32 bytes a key the
// window costs 32 KiB per conversation.
const maxRetired = 1024

// ErrNoSendingChain is returned by a send Advance before the responder has
// received its first message.
var ErrNoSendingChain = errors.New("ratchet: no sending chain yet")

// Direction selects which chain Advance steps.
type Direction int

const (
	Send Direction = iota
	Receive
)

func (d Direction) String() string {
	if d == Send {
		return "send"
	}
	return "receive"
}

// Header is the ratchet part of an envelope.
type Header struct {
	RatchetPublic   domain.X25519Public
	Counter         uint32
	PreviousCounter uint32
}

// MessageKey is a single-use key and the header it belongs to.
type MessageKey struct {
	Key    []byte
	Header Header
}

// Wipe zeroes the key material.
func (mk *MessageKey) Wipe() { memzero.Zero(mk.Key) }

// InitInitiator seeds the initiator: the peer's signed pre-key is the first
// receiving ratchet key and a fresh sending chain is derived against it.
func InitInitiator(root []byte, peerSignedPreKey domain.X25519Public) (domain.RatchetState, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.RatchetState{}, err
	}
	dh, err := crypto.DH(priv, peerSignedPreKey)
	if err != nil {
		return domain.RatchetState{}, err
	}
	rk, ck := kdfRK(root, dh[:])
	memzero.Zero(dh[:])

	return domain.RatchetState{
		RootKey:      rk,
		SendingPriv:  priv,
		SendingPub:   pub,
		ReceivingPub: peerSignedPreKey,
		SendChainKey: ck,
	}, nil
}

// InitResponder seeds the responder with its signed pre-key as the sending
// ratchet pair. Chains are derived on the first received message.
func InitResponder(root []byte, spk domain.SignedPreKeyPair) domain.RatchetState {
	return domain.RatchetState{
		RootKey:     slices.Clone(root),
		SendingPriv: spk.Priv,
		SendingPub:  spk.Pub,
	}
}

// Advance derives the next message key on the chain named by dir and
// returns it with the successor state. For Send, h is ignored and the
// returned key carries the header to transmit. For Receive, h is the
// incoming header; a DH ratchet step is taken first when h carries a new
// ratchet key. st is never modified, so a failed Advance leaves no trace.
func Advance(st domain.RatchetState, dir Direction, h Header, maxSkip int) (MessageKey, domain.RatchetState, error) {
	next := Clone(st)
	if dir == Send {
		mk, err := stepSend(&next)
		if err != nil {
			return MessageKey{}, st, err
		}
		return mk, next, nil
	}
	mk, err := stepReceive(&next, h, maxSkip)
	if err != nil {
		return MessageKey{}, st, err
	}
	return mk, next, nil
}

func stepSend(st *domain.RatchetState) (MessageKey, error) {
	if len(st.SendChainKey) == 0 {
		return MessageKey{}, ErrNoSendingChain
	}
	ck, key := kdfCK(st.SendChainKey)
	mk := MessageKey{
		Key: key,
		Header: Header{
			RatchetPublic:   st.SendingPub,
			Counter:         st.SendCounter,
			PreviousCounter: st.PreviousCounter,
		},
	}
	st.SendChainKey = ck
	st.SendCounter++
	return mk, nil
}

func stepReceive(st *domain.RatchetState, h Header, maxSkip int) (MessageKey, error) {
	if maxSkip <= 0 {
		maxSkip = DefaultMaxSkip
	}
	if h.RatchetPublic.IsZero() {
		return MessageKey{}, fmt.Errorf("%w: empty ratchet key", domain.ErrMessageAuthentication)
	}

	if key, ok := takeSkipped(st, h.RatchetPublic, h.Counter); ok {
		return MessageKey{Key: key, Header: h}, nil
	}

	current := h.RatchetPublic == st.ReceivingPub && len(st.ReceiveChainKey) > 0
	if current {
		if h.Counter < st.ReceiveCounter {
			return MessageKey{}, domain.ErrReplayedMessage
		}
		if gap := int(h.Counter - st.ReceiveCounter); gap > maxSkip {
			return MessageKey{}, domain.ErrSkippedTooManyMessages
		}
	} else {
		if slices.Contains(st.Retired, h.RatchetPublic) {
			return MessageKey{}, domain.ErrReplayedMessage
		}
		if gap := pending(st, h.PreviousCounter) + int(h.Counter); gap > maxSkip {
			return MessageKey{}, domain.ErrSkippedTooManyMessages
		}
		skipUntil(st, h.PreviousCounter)
		if err := dhStep(st, h.RatchetPublic); err != nil {
			return MessageKey{}, err
		}
	}

	skipUntil(st, h.Counter)
	ck, key := kdfCK(st.ReceiveChainKey)
	st.ReceiveChainKey = ck
	st.ReceiveCounter = h.Counter + 1
	trimSkipped(st, maxSkip)
	return MessageKey{Key: key, Header: h}, nil
}

// pending is how many keys remain on the current receiving chain before
// counter until.
func pending(st *domain.RatchetState, until uint32) int {
	if len(st.ReceiveChainKey) == 0 || until <= st.ReceiveCounter {
		return 0
	}
	return int(until - st.ReceiveCounter)
}

func dhStep(st *domain.RatchetState, peer domain.X25519Public) error {
	if !st.ReceivingPub.IsZero() {
		retire(st, st.ReceivingPub)
	}

	dh, err := crypto.DH(st.SendingPriv, peer)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMessageAuthentication, err)
	}
	rk, recvCK := kdfRK(st.RootKey, dh[:])
	memzero.Zero(dh[:])

	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	dh, err = crypto.DH(priv, peer)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMessageAuthentication, err)
	}
	rk, sendCK := kdfRK(rk, dh[:])
	memzero.Zero(dh[:])

	st.PreviousCounter = st.SendCounter
	st.SendCounter, st.ReceiveCounter = 0, 0
	st.RootKey = rk
	st.SendingPriv, st.SendingPub = priv, pub
	st.ReceivingPub = peer
	st.SendChainKey, st.ReceiveChainKey = sendCK, recvCK
	return nil
}

// skipUntil caches the keys of the current receiving chain up to (not
// including) counter until.
func skipUntil(st *domain.RatchetState, until uint32) {
	if len(st.ReceiveChainKey) == 0 {
		return
	}
	for st.ReceiveCounter < until {
		ck, key := kdfCK(st.ReceiveChainKey)
		st.Skipped = append(st.Skipped, domain.SkippedKey{
			RatchetPublic: st.ReceivingPub,
			Counter:       st.ReceiveCounter,
			Key:           key,
		})
		st.ReceiveChainKey = ck
		st.ReceiveCounter++
	}
}

func takeSkipped(st *domain.RatchetState, pub domain.X25519Public, n uint32) ([]byte, bool) {
	for i, sk := range st.Skipped {
		if sk.RatchetPublic == pub && sk.Counter == n {
			st.Skipped = slices.Delete(st.Skipped, i, i+1)
			return sk.Key, true
		}
	}
	return nil, false
}

// trimSkipped evicts the oldest cached keys beyond limit.
func trimSkipped(st *domain.RatchetState, limit int) {
	if over := len(st.Skipped) - limit; over > 0 {
		for _, sk := range st.Skipped[:over] {
			memzero.Zero(sk.Key)
		}
		st.Skipped = slices.Delete(st.Skipped, 0, over)
	}
}

// retire remembers an old receiving ratchet key. Once it falls out of the
// window its cached keys go with it.
func retire(st *domain.RatchetState, pub domain.X25519Public) {
	st.Retired = append(st.Retired, pub)
	if len(st.Retired) <= maxRetired {
		return
	}
	evicted := st.Retired[0]
	st.Retired = slices.Delete(st.Retired, 0, 1)
	st.Skipped = slices.DeleteFunc(st.Skipped, func(sk domain.SkippedKey) bool {
		return sk.RatchetPublic == evicted
	})
}

// Clone returns a deep copy of st.
func Clone(st domain.RatchetState) domain.RatchetState {
	out := st
	out.RootKey = slices.Clone(st.RootKey)
	out.SendChainKey = slices.Clone(st.SendChainKey)
	out.ReceiveChainKey = slices.Clone(st.ReceiveChainKey)
	out.Retired = slices.Clone(st.Retired)
	if st.Skipped != nil {
		out.Skipped = make([]domain.SkippedKey, len(st.Skipped))
		for i, sk := range st.Skipped {
			sk.Key = slices.Clone(sk.Key)
			out.Skipped[i] = sk
		}
	}
	if st.Handshake != nil {
		hs := *st.Handshake
		out.Handshake = &hs
	}
	return out
}

// HKDF-based KDFs with labels.
func kdfRK(rk, dh []byte) (newRK, ck []byte) {
	r := hkdf.New(sha256.New, dh, rk, []byte("DR|rk"))
	newRK = make([]byte, 32)
	ck = make([]byte, 32)
	_, _ = io.ReadFull(r, newRK)
	_, _ = io.ReadFull(r, ck)
	return
}

func kdfCK(ck []byte) (nextCK, mk []byte) {
	r := hkdf.New(sha256.New, ck, nil, []byte("DR|ck"))
	nextCK = make([]byte, 32)
	mk = make([]byte, 32)
	_, _ = io.ReadFull(r, nextCK)
	_, _ = io.ReadFull(r, mk)
	return
}
