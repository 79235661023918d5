package signature_test

import (
	"path/filepath"
	"testing"

	"github.com/ardanlabs/blockforge/foundation/blockchain/signature"
)

const pkHexKey = "fae85851bdf5c9f49923722ce38f3c1defcfd3619ef5453230a58ad805499959"

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func Test_Signing(t *testing.T) {
	t.Log("Given the need to sign and verify documents.")
	{
		kp, err := signature.KeyPairFromHex(pkHexKey)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to load the key pair: %s", failed, err)
		}
		t.Logf("\t%s\tShould be able to load the key pair.", success)

		signer, err := kp.Signer()
		if err != nil {
			t.Fatalf("\t%s\tShould be able to build a signer: %s", failed, err)
		}
		t.Logf("\t%s\tShould be able to build a signer.", success)

		const doc = "InnerHash: ABCDEF\nNonce: 1\n"

		sig, err := signer.Sign(doc)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to sign the document: %s", failed, err)
		}
		t.Logf("\t%s\tShould be able to sign the document.", success)

		again, err := signer.Sign(doc)
		if err != nil || again != sig {
			t.Fatalf("\t%s\tShould produce deterministic signatures.", failed)
		}
		t.Logf("\t%s\tShould produce deterministic signatures.", success)

		if err := signature.Verify(kp.Pub, doc, sig); err != nil {
			t.Fatalf("\t%s\tShould be able to verify the signature: %s", failed, err)
		}
		t.Logf("\t%s\tShould be able to verify the signature.", success)

		if err := signature.Verify(kp.Pub, doc+"x", sig); err == nil {
			t.Fatalf("\t%s\tShould reject a signature over another document.", failed)
		}
		t.Logf("\t%s\tShould reject a signature over another document.", success)
	}
}

func Test_SignerMismatch(t *testing.T) {
	kp, err := signature.KeyPairFromHex(pkHexKey)
	if err != nil {
		t.Fatalf("Should be able to load the key pair: %s", err)
	}

	other, err := signature.GenerateKeyPair()
	if err != nil {
		t.Fatalf("Should be able to generate a key pair: %s", err)
	}

	kp.Pub = other.Pub
	if _, err := kp.Signer(); err == nil {
		t.Fatalf("Should not build a signer when the public key does not match.")
	}
}

func Test_Hash(t *testing.T) {
	const exp = "BA7816BF8F01CFEA414140DE5DAE2223B00361A396177A9CB410FF61F20015AD"

	got := signature.Hash("abc")
	if got != exp {
		t.Logf("got: %s", got)
		t.Logf("exp: %s", exp)
		t.Fatalf("Should get back the right hash.")
	}
}

func Test_KeyFile(t *testing.T) {
	t.Log("Given the need to keep a key pair on disk.")
	{
		t.Logf("\tTest 0:\tWhen saving and loading a key pair.")
		{
			kp, err := signature.KeyPairFromHex(pkHexKey)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to build the key pair: %v", failed, err)
			}

			path := filepath.Join(t.TempDir(), "node.ecdsa")
			if err := signature.SaveKeyPair(path, kp); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to save the key pair: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to save the key pair.", success)

			got, err := signature.LoadKeyPair(path)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to load the key pair: %v", failed, err)
			}

			if got != kp {
				t.Logf("\t%s\tTest 0:\tgot: %v", failed, got.Pub)
				t.Logf("\t%s\tTest 0:\texp: %v", failed, kp.Pub)
				t.Fatalf("\t%s\tTest 0:\tShould load back the same key pair.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould load back the same key pair.", success)

			if _, err := signature.LoadKeyPair(filepath.Join(t.TempDir(), "missing.ecdsa")); err == nil {
				t.Fatalf("\t%s\tTest 0:\tShould fail on a missing key file.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould fail on a missing key file.", success)
		}
	}
}
