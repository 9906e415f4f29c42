package e2eid

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/davecgh/go-spew/spew"
)

func TestNew(t *testing.T) {
	_, err := New(RandomShortID())
	if err != nil {
		t.Fatalf("New alice: %v", err)
	}
}

func TestSignVerify(t *testing.T) {
	alice, err := New(RandomShortID())
	if err != nil {
		t.Fatalf("New alice: %v", err)
	}

	message := []byte("this is a message")
	signature := alice.SignMessage(message)
	if !alice.Public.VerifyMessage(message, &signature) {
		t.Fatalf("corrupt signature")
	}
}

func TestVerifyIdentity(t *testing.T) {
	alice, err := New(RandomShortID())
	if err != nil {
		t.Fatalf("New alice: %v", err)
	}
	if err := VerifyIdentity(&alice.Public); err != nil {
		t.Fatalf("VerifyIdentity: %v", err)
	}

	// Tampered key material must fail verification.
	mangled := alice.Public
	mangled.Key[0] ^= 0x01
	if err := VerifyIdentity(&mangled); err == nil {
		t.Fatalf("VerifyIdentity accepted tampered identity")
	}
}

func TestJsonEncode(t *testing.T) {
	alice, err := New(RandomShortID())
	if err != nil {
		t.Fatalf("New alice: %v", err)
	}
	if _, err := alice.GenerateOneTimeKeys(rand.Reader, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.RotateFallbackKey(rand.Reader); err != nil {
		t.Fatal(err)
	}

	blob, err := json.Marshal(alice)
	if err != nil {
		t.Fatal(err)
	}

	aliceRecovered := new(FullIdentity)
	if err := json.Unmarshal(blob, aliceRecovered); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(alice, aliceRecovered) {
		t.Fatalf("Unequal alice after recovery: %s vs %s",
			spew.Sdump(alice), spew.Sdump(aliceRecovered))
	}
}

func TestOneTimeKeyConsumedOnce(t *testing.T) {
	alice, err := New(RandomShortID())
	if err != nil {
		t.Fatalf("New alice: %v", err)
	}
	minted, err := alice.GenerateOneTimeKeys(rand.Reader, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(alice.UnpublishedOneTimeKeys()) != 2 {
		t.Fatalf("expected 2 unpublished keys")
	}
	alice.MarkKeysAsPublished()
	if len(alice.UnpublishedOneTimeKeys()) != 0 {
		t.Fatalf("expected no unpublished keys after publish")
	}

	k, err := alice.TakeOneTimeKey(minted[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if k.Public != minted[0].Public {
		t.Fatalf("wrong key taken")
	}
	if _, err := alice.TakeOneTimeKey(minted[0].ID); !errors.Is(err, ErrKeyNotHeld) {
		t.Fatalf("second take of one-time key succeeded: %v", err)
	}
}

func TestFallbackKeyReusable(t *testing.T) {
	alice, err := New(RandomShortID())
	if err != nil {
		t.Fatalf("New alice: %v", err)
	}
	fb, err := alice.RotateFallbackKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		k, err := alice.TakeOneTimeKey(fb.ID)
		if err != nil {
			t.Fatalf("take %d: %v", i, err)
		}
		if k.Public != fb.Public {
			t.Fatalf("take %d: wrong key", i)
		}
	}

	// Rotation invalidates the old fallback id.
	if _, err := alice.RotateFallbackKey(rand.Reader); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.TakeOneTimeKey(fb.ID); !errors.Is(err, ErrKeyNotHeld) {
		t.Fatalf("rotated-out fallback key still usable: %v", err)
	}
}

func TestCrossSigning(t *testing.T) {
	alice, err := New(RandomShortID())
	if err != nil {
		t.Fatalf("New alice: %v", err)
	}
	alice.EnableCrossSigning()

	second, err := New(alice.Public.UserID)
	if err != nil {
		t.Fatalf("New second device: %v", err)
	}

	sig, err := alice.CrossSignDevice(&second.Public)
	if err != nil {
		t.Fatal(err)
	}

	dev, err := DeviceFromIdentity(&second.Public, nil)
	if err != nil {
		t.Fatal(err)
	}
	dev.MasterSignature = &sig
	if !dev.VerifyMasterSignature(&alice.MasterSigKey) {
		t.Fatalf("valid cross-signature rejected")
	}

	sig[0] ^= 0x01
	if dev.VerifyMasterSignature(&alice.MasterSigKey) {
		t.Fatalf("tampered cross-signature accepted")
	}
}
