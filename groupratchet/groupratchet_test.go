// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package groupratchet

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	out, err := NewOutbound(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	in, err := InboundFromExport(out.Export())
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		msg := []byte(fmt.Sprintf("message %d", i))
		encrypted, err := out.Encrypt(msg)
		if err != nil {
			t.Fatal(err)
		}
		if encrypted.Index != uint32(i) {
			t.Fatalf("wrong index: %d", encrypted.Index)
		}
		result, err := in.Decrypt(encrypted)
		if err != nil {
			t.Fatalf("decrypt %d: %v", i, err)
		}
		if !bytes.Equal(msg, result) {
			t.Fatalf("decrypt %d: result doesn't match", i)
		}
	}
}

func TestLateJoinerCannotReadHistory(t *testing.T) {
	out, err := NewOutbound(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	early, err := out.Encrypt([]byte("before the join"))
	if err != nil {
		t.Fatal(err)
	}

	// Export after the first message: index 1 is the first known index.
	in, err := InboundFromExport(out.Export())
	if err != nil {
		t.Fatal(err)
	}
	if in.FirstKnownIndex() != 1 {
		t.Fatalf("first known index: %d", in.FirstKnownIndex())
	}

	if _, err := in.Decrypt(early); !errors.Is(err, ErrUnknownIndex) {
		t.Fatalf("history readable by late joiner: %v", err)
	}

	late, err := out.Encrypt([]byte("after the join"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := in.Decrypt(late); err != nil {
		t.Fatal(err)
	}
}

func TestOutOfOrderDecrypt(t *testing.T) {
	out, err := NewOutbound(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	in, err := InboundFromExport(out.Export())
	if err != nil {
		t.Fatal(err)
	}

	var encrypted []*Message
	for i := 0; i < 5; i++ {
		e, err := out.Encrypt([]byte(fmt.Sprintf("message %d", i)))
		if err != nil {
			t.Fatal(err)
		}
		encrypted = append(encrypted, e)
	}

	// A one-way ratchet can decrypt any held index in any order; replay
	// policy is the caller's watermark, not the ratchet's.
	for _, i := range []int{4, 1, 3, 0, 2} {
		result, err := in.Decrypt(encrypted[i])
		if err != nil {
			t.Fatalf("decrypt %d: %v", i, err)
		}
		want := []byte(fmt.Sprintf("message %d", i))
		if !bytes.Equal(want, result) {
			t.Fatalf("decrypt %d: result doesn't match", i)
		}
	}
}

func TestTamperedMessageRejected(t *testing.T) {
	out, err := NewOutbound(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	in, err := InboundFromExport(out.Export())
	if err != nil {
		t.Fatal(err)
	}

	encrypted, err := out.Encrypt([]byte("authentic"))
	if err != nil {
		t.Fatal(err)
	}

	tampered := *encrypted
	tampered.Ciphertext = append([]byte(nil), encrypted.Ciphertext...)
	tampered.Ciphertext[0] ^= 0x01
	if _, err := in.Decrypt(&tampered); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("tampered ciphertext accepted: %v", err)
	}

	resigned := *encrypted
	resigned.Index++
	if _, err := in.Decrypt(&resigned); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("index mangling accepted: %v", err)
	}
}

func TestForwardedExport(t *testing.T) {
	out, err := NewOutbound(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	in, err := InboundFromExport(out.Export())
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := out.Encrypt([]byte("history")); err != nil {
			t.Fatal(err)
		}
	}

	// Forward at index 2: the re-export holds keys from 2 on, not 0.
	exp, err := in.Export(2)
	if err != nil {
		t.Fatal(err)
	}
	forwarded, err := InboundFromExport(exp)
	if err != nil {
		t.Fatal(err)
	}
	if forwarded.FirstKnownIndex() != 2 {
		t.Fatalf("first known index: %d", forwarded.FirstKnownIndex())
	}

	msg, err := out.Encrypt([]byte("current"))
	if err != nil {
		t.Fatal(err)
	}
	result, err := forwarded.Decrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(result, []byte("current")) {
		t.Fatalf("result doesn't match")
	}

	if _, err := forwarded.Export(1); err == nil {
		t.Fatal("exported below first known index")
	}
}

func TestOutboundDiskRoundTrip(t *testing.T) {
	out, err := NewOutbound(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := out.Encrypt([]byte("before save")); err != nil {
		t.Fatal(err)
	}

	restored, err := OutboundFromDisk(out.DiskState())
	if err != nil {
		t.Fatal(err)
	}
	if restored.SessionID() != out.SessionID() {
		t.Fatal("session id changed across disk round trip")
	}
	if restored.MessageIndex() != out.MessageIndex() {
		t.Fatalf("index changed: %d != %d", restored.MessageIndex(),
			out.MessageIndex())
	}

	in, err := InboundFromExport(out.Export())
	if err != nil {
		t.Fatal(err)
	}
	msg, err := restored.Encrypt([]byte("after restore"))
	if err != nil {
		t.Fatal(err)
	}
	result, err := in.Decrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(result, []byte("after restore")) {
		t.Fatal("result doesn't match")
	}

	bad := out.DiskState()
	bad.ChainKey = bad.ChainKey[:16]
	if _, err := OutboundFromDisk(bad); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("short chain key accepted: %v", err)
	}
}
