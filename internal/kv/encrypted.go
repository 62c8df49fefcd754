// Copyright 2024 Stackblaze Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kv

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
)

// A Sealer seals and opens value bytes. Key material is configured
// externally; a fresh random nonce is used per seal.
type Sealer interface {
	Seal(plaintext []byte) (ciphertext []byte, err error)
	Open(ciphertext []byte) (plaintext []byte, err error)
}

// NewAEADSealer returns a Sealer backed by ChaCha20-Poly1305. The key must
// be chacha20poly1305.KeySize (32) bytes.
func NewAEADSealer(key []byte) (Sealer, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("chacha20poly1305.New: %w", err)
	}

	return &aeadSealer{aead: aead}, nil
}

type aeadSealer struct {
	aead cipher.AEAD
}

func (s *aeadSealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *aeadSealer) Open(ciphertext []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(ciphertext) < ns {
		return nil, fmt.Errorf("sealed value too short: %d bytes", len(ciphertext))
	}

	plaintext, err := s.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("opening sealed value: %w", err)
	}

	return plaintext, nil
}

////////////////////////////////////////////////////////////////////////
// EncryptedStore
////////////////////////////////////////////////////////////////////////

// Value framing under the seal. Compressed values carry the zstd frame,
// uncompressed values the raw plaintext.
const (
	frameRaw  = 0x00
	frameZstd = 0x01
)

// EncryptedStore wraps a Store, sealing values on the way in and opening
// them on the way out. Keys pass through untouched, so key ordering (and
// with it every range scan) is preserved. Values may optionally be
// compressed with zstd before sealing.
type EncryptedStore struct {
	wrapped  Store
	sealer   Sealer
	compress bool

	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

// NewEncryptedStore wraps the supplied store. With compress set, values are
// zstd-compressed before they are sealed.
func NewEncryptedStore(
	wrapped Store,
	sealer Sealer,
	compress bool) (*EncryptedStore, error) {
	zenc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd.NewWriter: %w", err)
	}

	zdec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd.NewReader: %w", err)
	}

	es := &EncryptedStore{
		wrapped:  wrapped,
		sealer:   sealer,
		compress: compress,
		zenc:     zenc,
		zdec:     zdec,
	}

	return es, nil
}

func (es *EncryptedStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	sealed, err := es.wrapped.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	return es.open(sealed)
}

func (es *EncryptedStore) Put(ctx context.Context, key []byte, value []byte) error {
	sealed, err := es.seal(value)
	if err != nil {
		return err
	}

	return es.wrapped.Put(ctx, key, sealed)
}

func (es *EncryptedStore) Delete(ctx context.Context, key []byte) error {
	return es.wrapped.Delete(ctx, key)
}

func (es *EncryptedStore) Scan(ctx context.Context, r Range) (Iterator, error) {
	it, err := es.wrapped.Scan(ctx, r)
	if err != nil {
		return nil, err
	}

	return &openingIterator{wrapped: it, es: es}, nil
}

func (es *EncryptedStore) Apply(ctx context.Context, b *Batch) error {
	sealed := &Batch{}
	for _, op := range b.Ops() {
		if op.Delete {
			sealed.Delete(op.Key)
			continue
		}

		v, err := es.seal(op.Value)
		if err != nil {
			return err
		}
		sealed.Put(op.Key, v)
	}

	return es.wrapped.Apply(ctx, sealed)
}

func (es *EncryptedStore) Flush(ctx context.Context, awaitDurable bool) error {
	return es.wrapped.Flush(ctx, awaitDurable)
}

func (es *EncryptedStore) Checkpoint(ctx context.Context) (View, error) {
	v, err := es.wrapped.Checkpoint(ctx)
	if err != nil {
		return nil, err
	}

	return &openingView{wrapped: v, es: es}, nil
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (es *EncryptedStore) seal(value []byte) ([]byte, error) {
	framed := make([]byte, 1, 1+len(value))
	if es.compress {
		framed[0] = frameZstd
		framed = es.zenc.EncodeAll(value, framed)
	} else {
		framed[0] = frameRaw
		framed = append(framed, value...)
	}

	return es.sealer.Seal(framed)
}

func (es *EncryptedStore) open(sealed []byte) ([]byte, error) {
	framed, err := es.sealer.Open(sealed)
	if err != nil {
		return nil, err
	}

	if len(framed) < 1 {
		return nil, fmt.Errorf("sealed value missing frame byte")
	}

	switch framed[0] {
	case frameRaw:
		return framed[1:], nil
	case frameZstd:
		return es.zdec.DecodeAll(framed[1:], nil)
	default:
		return nil, fmt.Errorf("unknown value frame 0x%02x", framed[0])
	}
}

type openingIterator struct {
	wrapped Iterator
	es      *EncryptedStore

	value []byte
	err   error
}

func (it *openingIterator) Next() bool {
	if it.err != nil {
		return false
	}

	if !it.wrapped.Next() {
		return false
	}

	it.value, it.err = it.es.open(it.wrapped.Value())
	return it.err == nil
}

func (it *openingIterator) Key() []byte   { return it.wrapped.Key() }
func (it *openingIterator) Value() []byte { return it.value }

func (it *openingIterator) Err() error {
	if it.err != nil {
		return it.err
	}

	return it.wrapped.Err()
}

func (it *openingIterator) Close() error { return it.wrapped.Close() }

type openingView struct {
	wrapped View
	es      *EncryptedStore
}

func (v *openingView) Get(ctx context.Context, key []byte) ([]byte, error) {
	sealed, err := v.wrapped.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	return v.es.open(sealed)
}

func (v *openingView) Scan(ctx context.Context, r Range) (Iterator, error) {
	it, err := v.wrapped.Scan(ctx, r)
	if err != nil {
		return nil, err
	}

	return &openingIterator{wrapped: it, es: v.es}, nil
}

func (v *openingView) Close() error { return v.wrapped.Close() }
