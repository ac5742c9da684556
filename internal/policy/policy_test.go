package policy

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/relaysrv/relay/internal/relayconfig"
)

// signSSHSIG builds a real, spec-conformant armored SSHSIG blob by signing
// message with signer, the way `git commit -S --gpg-format=ssh` would. It
// exists only so the tests below exercise VerifySSHSIG/Evaluate against
// genuine SSH wire-format data instead of hand-rolled fixtures.
func signSSHSIG(t *testing.T, signer ssh.Signer, message []byte) string {
	t.Helper()
	const hashAlgorithm = "sha512"
	sum := sha512.Sum512(message)
	payload := signedPayload(sshsigNamespace, "", hashAlgorithm, sum[:])

	sig, err := signer.Sign(rand.Reader, payload)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	var body bytes.Buffer
	body.WriteString(sshsigMagic)
	var versionBuf [4]byte
	versionBuf[3] = 1
	body.Write(versionBuf[:])
	writeSSHString(&body, string(signer.PublicKey().Marshal()))
	writeSSHString(&body, sshsigNamespace)
	writeSSHString(&body, "")
	writeSSHString(&body, hashAlgorithm)
	writeSSHString(&body, string(ssh.Marshal(sig)))

	b64 := base64.StdEncoding.EncodeToString(body.Bytes())
	var armored strings.Builder
	armored.WriteString(sshsigArmorBegin + "\n")
	for i := 0; i < len(b64); i += 70 {
		end := i + 70
		if end > len(b64) {
			end = len(b64)
		}
		armored.WriteString(b64[i:end] + "\n")
	}
	armored.WriteString(sshsigArmorEnd + "\n")
	return armored.String()
}

func newTestSigner(t *testing.T) (ssh.Signer, []byte) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("wrapping signer: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("wrapping public key: %v", err)
	}
	authorizedKey := ssh.MarshalAuthorizedKey(sshPub)
	return signer, authorizedKey
}

func TestVerifySSHSIGRoundTrip(t *testing.T) {
	signer, authorizedKey := newTestSigner(t)
	message := []byte("tree deadbeef\nauthor a <a@example.com>\n\nmessage\n")
	armored := signSSHSIG(t, signer, message)

	if err := VerifySSHSIG(armored, message, authorizedKey); err != nil {
		t.Fatalf("VerifySSHSIG() = %v, want nil", err)
	}
}

func TestVerifySSHSIGWrongKeyRejected(t *testing.T) {
	signer, _ := newTestSigner(t)
	_, otherKey := newTestSigner(t)
	message := []byte("some commit payload")
	armored := signSSHSIG(t, signer, message)

	if err := VerifySSHSIG(armored, message, otherKey); err == nil {
		t.Fatal("VerifySSHSIG() = nil, want error for mismatched key")
	}
}

func TestVerifySSHSIGTamperedMessageRejected(t *testing.T) {
	signer, authorizedKey := newTestSigner(t)
	armored := signSSHSIG(t, signer, []byte("original"))

	if err := VerifySSHSIG(armored, []byte("tampered"), authorizedKey); err == nil {
		t.Fatal("VerifySSHSIG() = nil, want error for tampered payload")
	}
}

func TestVerifySSHSIGNonArmoredRejected(t *testing.T) {
	if err := VerifySSHSIG("not a signature", nil, nil); err != ErrSignatureFormat {
		t.Fatalf("VerifySSHSIG() = %v, want ErrSignatureFormat", err)
	}
}

func TestEvaluateAllowUnsigned(t *testing.T) {
	rule := relayconfig.BranchRule{RequireSigned: true, AllowUnsigned: true}
	d, err := Evaluate(rule, "", nil, nil, nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !d.Accept {
		t.Fatal("Evaluate() = reject, want accept (allowUnsigned wins)")
	}
}

func TestEvaluateNoRule(t *testing.T) {
	d, err := Evaluate(relayconfig.BranchRule{}, "", nil, nil, nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !d.Accept {
		t.Fatal("Evaluate() = reject, want accept for a default (empty) rule")
	}
}

func TestEvaluateRequireSignedNoSignature(t *testing.T) {
	rule := relayconfig.BranchRule{RequireSigned: true, AllowedKeys: []string{".ssh/admin.pub"}}
	d, err := Evaluate(rule, "", nil, func() ([]string, error) { return nil, nil }, nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if d.Accept {
		t.Fatal("Evaluate() = accept, want reject for an unsigned commit")
	}
}

func TestEvaluateRequireSignedVerifiedKey(t *testing.T) {
	signer, authorizedKey := newTestSigner(t)
	message := []byte("payload")
	armored := signSSHSIG(t, signer, message)

	rule := relayconfig.BranchRule{RequireSigned: true, AllowedKeys: []string{".ssh/*.pub", "keys/**"}}
	list := func() ([]string, error) { return []string{".ssh/admin.pub", "README.md"}, nil }
	lookup := func(path string) ([]byte, error) {
		if path == ".ssh/admin.pub" {
			return authorizedKey, nil
		}
		return nil, ErrSignatureFormat // arbitrary non-nil error: not a key candidate
	}

	d, err := Evaluate(rule, armored, message, list, lookup)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !d.Accept || !d.IsVerified || d.SigningKeyPath != ".ssh/admin.pub" {
		t.Fatalf("Evaluate() = %+v, want accept+verified at .ssh/admin.pub", d)
	}
}

func TestEvaluateRequireSignedKeyNotInAllowedKeys(t *testing.T) {
	signer, authorizedKey := newTestSigner(t)
	message := []byte("payload")
	armored := signSSHSIG(t, signer, message)

	rule := relayconfig.BranchRule{RequireSigned: true, AllowedKeys: []string{"other/**"}}
	list := func() ([]string, error) { return []string{".ssh/admin.pub"}, nil }
	lookup := func(path string) ([]byte, error) { return authorizedKey, nil }

	d, err := Evaluate(rule, armored, message, list, lookup)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if d.Accept {
		t.Fatal("Evaluate() = accept, want reject: key path does not match any allowedKeys glob")
	}
}
