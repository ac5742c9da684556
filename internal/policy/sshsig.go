package policy

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/xerrors"
)

// This file implements the "git" namespace case of OpenSSH's PROTOCOL.sshsig
// (the format `git commit -S` produces when gpg.format=ssh). spec.md §4.2's
// own allowedKeys example, ".ssh/admin.pub", names an SSH public key path
// rather than a GPG key id, so that is the format this verifier targets.
// GPG-format (openpgp) signatures are not handled; see ErrSignatureFormat.

const (
	sshsigMagic      = "SSHSIG"
	sshsigArmorBegin = "-----BEGIN SSH SIGNATURE-----"
	sshsigArmorEnd   = "-----END SSH SIGNATURE-----"
	sshsigNamespace  = "git"
)

// ErrSignatureFormat is returned when a commit's signature block is present
// but is not an armored SSHSIG blob (most commonly, a GPG/OpenPGP
// signature).
var ErrSignatureFormat = xerrors.New("signature is not in SSH (SSHSIG) format")

type sshsigBlob struct {
	Version       uint32
	PublicKey     []byte
	Namespace     string
	Reserved      string
	HashAlgorithm string
	Signature     []byte
}

func decodeArmored(sig string) ([]byte, error) {
	sig = strings.TrimSpace(sig)
	if !strings.HasPrefix(sig, sshsigArmorBegin) {
		return nil, ErrSignatureFormat
	}
	sig = strings.TrimPrefix(sig, sshsigArmorBegin)
	sig = strings.TrimSuffix(sig, sshsigArmorEnd)
	var b64 strings.Builder
	for _, line := range strings.Split(sig, "\n") {
		b64.WriteString(strings.TrimSpace(line))
	}
	raw, err := base64.StdEncoding.DecodeString(b64.String())
	if err != nil {
		return nil, xerrors.Errorf("decoding SSHSIG armor: %w", err)
	}
	return raw, nil
}

func parseSSHSIG(raw []byte) (*sshsigBlob, error) {
	if len(raw) < len(sshsigMagic) || string(raw[:len(sshsigMagic)]) != sshsigMagic {
		return nil, xerrors.Errorf("%w: bad magic", ErrSignatureFormat)
	}
	var b sshsigBlob
	if err := ssh.Unmarshal(raw[len(sshsigMagic):], &b); err != nil {
		return nil, xerrors.Errorf("unmarshaling SSHSIG body: %w", err)
	}
	return &b, nil
}

func hashMessage(alg string, message []byte) ([]byte, error) {
	switch alg {
	case "sha256":
		sum := sha256.Sum256(message)
		return sum[:], nil
	case "sha512":
		sum := sha512.Sum512(message)
		return sum[:], nil
	default:
		return nil, xerrors.Errorf("unsupported SSHSIG hash algorithm %q", alg)
	}
}

func writeSSHString(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

// signedPayload reconstructs the exact bytes PROTOCOL.sshsig says the key
// signed: "SSHSIG" || string(namespace) || string(reserved) ||
// string(hash_algorithm) || string(H(message)).
func signedPayload(namespace, reserved, hashAlgorithm string, hash []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(sshsigMagic)
	writeSSHString(&buf, namespace)
	writeSSHString(&buf, reserved)
	writeSSHString(&buf, hashAlgorithm)
	writeSSHString(&buf, string(hash))
	return buf.Bytes()
}

// VerifySSHSIG checks an armored SSHSIG detached signature over message
// (the signed commit payload, i.e. the commit object with its gpgsig header
// removed), using trustedKey (the contents of an OpenSSH authorized_keys
// format public key file, as resolved from an allowedKeys candidate path)
// as the sole trust anchor: the signature must both cryptographically
// verify AND carry exactly this public key, not merely any key.
func VerifySSHSIG(armored string, message []byte, trustedKey []byte) error {
	raw, err := decodeArmored(armored)
	if err != nil {
		return err
	}
	blob, err := parseSSHSIG(raw)
	if err != nil {
		return err
	}
	if blob.Namespace != sshsigNamespace {
		return xerrors.Errorf("unexpected SSHSIG namespace %q, want %q", blob.Namespace, sshsigNamespace)
	}

	signerKey, err := ssh.ParsePublicKey(blob.PublicKey)
	if err != nil {
		return xerrors.Errorf("parsing embedded public key: %w", err)
	}
	trusted, _, _, _, err := ssh.ParseAuthorizedKey(trustedKey)
	if err != nil {
		return xerrors.Errorf("parsing candidate allowedKeys file: %w", err)
	}
	if !bytes.Equal(signerKey.Marshal(), trusted.Marshal()) {
		return xerrors.New("commit was not signed by the candidate allowedKeys key")
	}

	var sig ssh.Signature
	if err := ssh.Unmarshal(blob.Signature, &sig); err != nil {
		return xerrors.Errorf("unmarshaling signature blob: %w", err)
	}
	hash, err := hashMessage(blob.HashAlgorithm, message)
	if err != nil {
		return err
	}
	if err := signerKey.Verify(signedPayload(blob.Namespace, blob.Reserved, blob.HashAlgorithm, hash), &sig); err != nil {
		return xerrors.Errorf("signature verification failed: %w", err)
	}
	return nil
}
