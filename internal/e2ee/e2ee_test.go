package e2ee_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/adi-253/echowire/internal/e2ee"
	"github.com/adi-253/echowire/internal/models"
)

// memoryStore is an in-memory key-storage API.
type memoryStore struct {
	userKeys    map[int64]string
	groupPub    map[int64]string
	memberKeys  map[string]models.GroupMemberKey
	failUpload  map[int64]bool
	failPublish bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		userKeys:   map[int64]string{},
		groupPub:   map[int64]string{},
		memberKeys: map[string]models.GroupMemberKey{},
		failUpload: map[int64]bool{},
	}
}

func memberKeyID(groupID, userID int64) string { return fmt.Sprintf("%d/%d", groupID, userID) }

func (s *memoryStore) UploadGroupPublicKey(_ context.Context, groupID int64, pub string) error {
	if s.failPublish {
		return errors.New("storage unavailable")
	}
	s.groupPub[groupID] = pub
	return nil
}

func (s *memoryStore) GetUserPublicKey(_ context.Context, userID int64) (string, error) {
	k, ok := s.userKeys[userID]
	if !ok {
		return "", fmt.Errorf("no key for user %d", userID)
	}
	return k, nil
}

func (s *memoryStore) UploadGroupMemberKey(_ context.Context, key models.GroupMemberKey) error {
	if s.failUpload[key.UserID] {
		return errors.New("upload rejected")
	}
	s.memberKeys[memberKeyID(key.GroupID, key.UserID)] = key
	return nil
}

func (s *memoryStore) GetGroupPublicKey(_ context.Context, groupID int64) (string, error) {
	k, ok := s.groupPub[groupID]
	if !ok {
		return "", errors.New("no group key")
	}
	return k, nil
}

func (s *memoryStore) GetGroupMemberKey(_ context.Context, groupID, userID int64) (*models.GroupMemberKey, error) {
	k, ok := s.memberKeys[memberKeyID(groupID, userID)]
	if !ok {
		return nil, errors.New("no member key")
	}
	return &k, nil
}

func quietLogger() *log.Entry {
	l := log.New()
	l.SetOutput(io.Discard)
	return log.NewEntry(l)
}

func mustKeyPair(t *testing.T) *e2ee.KeyPair {
	t.Helper()
	kp, err := e2ee.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return kp
}

func TestScenarioGroup42(t *testing.T) {
	const groupID = 42
	memberA := mustKeyPair(t)
	memberB := mustKeyPair(t)

	k, err := e2ee.NewGroupKey()
	if err != nil {
		t.Fatalf("NewGroupKey: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("group key is %d bytes", len(k))
	}
	ephemeral := mustKeyPair(t)

	for name, member := range map[string]*e2ee.KeyPair{"A": memberA, "B": memberB} {
		shared, err := e2ee.SharedSecret(ephemeral.Private[:], member.Public[:])
		if err != nil {
			t.Fatalf("%s SharedSecret: %v", name, err)
		}
		wrapKey, err := e2ee.DeriveWrapKey(shared)
		if err != nil {
			t.Fatalf("%s DeriveWrapKey: %v", name, err)
		}
		ciphertext, nonce, err := e2ee.Seal(wrapKey, k)
		if err != nil {
			t.Fatalf("%s Seal: %v", name, err)
		}
		if len(nonce) != e2ee.NonceSize || bytes.Contains(ciphertext, k) {
			t.Fatalf("%s: bad wrap output", name)
		}

		plain, err := e2ee.Open(wrapKey, nonce, ciphertext)
		if err != nil {
			t.Fatalf("%s Open: %v", name, err)
		}
		if !bytes.Equal(plain, k) {
			t.Fatalf("%s: AEAD-Decrypt(wrapKey, nonce, ciphertext) != K", name)
		}

		// the member derives the same secret from its side
		memberShared, err := e2ee.SharedSecret(member.Private[:], ephemeral.Public[:])
		if err != nil {
			t.Fatalf("%s member SharedSecret: %v", name, err)
		}
		if !bytes.Equal(shared, memberShared) {
			t.Fatalf("%s: shared secrets differ", name)
		}
	}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	member := mustKeyPair(t)
	outsider := mustKeyPair(t)
	ephemeral := mustKeyPair(t)
	k, _ := e2ee.NewGroupKey()

	ciphertext, nonce, err := e2ee.WrapGroupKey(ephemeral.Private[:], member.Public[:], k)
	if err != nil {
		t.Fatalf("WrapGroupKey: %v", err)
	}

	got, err := e2ee.UnwrapGroupKey(member.Private[:], ephemeral.Public[:], nonce, ciphertext)
	if err != nil {
		t.Fatalf("UnwrapGroupKey: %v", err)
	}
	if !bytes.Equal(got, k) {
		t.Fatal("unwrapped key differs")
	}

	if _, err := e2ee.UnwrapGroupKey(outsider.Private[:], ephemeral.Public[:], nonce, ciphertext); !errors.Is(err, e2ee.ErrCrypto) {
		t.Fatalf("outsider unwrap err = %v, want ErrCrypto", err)
	}

	ciphertext[0] ^= 0xff
	if _, err := e2ee.UnwrapGroupKey(member.Private[:], ephemeral.Public[:], nonce, ciphertext); !errors.Is(err, e2ee.ErrCrypto) {
		t.Fatalf("tampered unwrap err = %v, want ErrCrypto", err)
	}
}

func TestDistributeIsolatesMemberFailures(t *testing.T) {
	store := newMemoryStore()
	members := map[int64]*e2ee.KeyPair{1: mustKeyPair(t), 2: mustKeyPair(t), 4: mustKeyPair(t)}
	for id, kp := range members {
		store.userKeys[id] = kp.PublicBase64()
	}
	store.userKeys[5] = base64.StdEncoding.EncodeToString([]byte("short"))
	store.failUpload[4] = true
	// member 3 has no key at all

	d := e2ee.NewDistributor(store, quietLogger())
	material, report, err := d.Distribute(context.Background(), 42, []int64{1, 2, 3, 4, 5})
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}

	if fmt.Sprint(report.Succeeded) != "[1 2]" {
		t.Fatalf("succeeded = %v", report.Succeeded)
	}
	if fmt.Sprint(report.FailedIDs()) != "[3 4 5]" || report.Complete() {
		t.Fatalf("failed = %v", report.FailedIDs())
	}
	stages := []e2ee.Stage{report.Failed[0].Stage, report.Failed[1].Stage, report.Failed[2].Stage}
	if fmt.Sprint(stages) != "[fetch_key upload fetch_key]" {
		t.Fatalf("stages = %v", stages)
	}
	if !errors.Is(report.Failed[2], e2ee.ErrCrypto) {
		t.Fatalf("invalid key failure not classified as crypto: %v", report.Failed[2])
	}

	// only the ephemeral public key and per-member ciphertexts were published
	if store.groupPub[42] != material.Ephemeral.PublicBase64() {
		t.Fatal("published group key is not the ephemeral public key")
	}
	rawKey := base64.StdEncoding.EncodeToString(material.GroupKey)
	rawPriv := base64.StdEncoding.EncodeToString(material.Ephemeral.Private[:])
	for _, rec := range store.memberKeys {
		if rec.EncryptedGroupPrivateKey == rawKey || rec.EncryptedGroupPrivateKey == rawPriv || rec.Nonce == "" {
			t.Fatalf("secret material crossed the boundary: %+v", rec)
		}
	}

	for _, id := range []int64{1, 2} {
		k, err := e2ee.FetchAndUnwrap(context.Background(), store, 42, id, members[id].Private[:])
		if err != nil {
			t.Fatalf("member %d FetchAndUnwrap: %v", id, err)
		}
		if !bytes.Equal(k, material.GroupKey) {
			t.Fatalf("member %d recovered a different key", id)
		}
	}

	// caller-driven retry for a failed member
	store.failUpload[4] = false
	if err := d.WrapForMember(context.Background(), material, 4); err != nil {
		t.Fatalf("retry WrapForMember: %v", err)
	}
	k, err := e2ee.FetchAndUnwrap(context.Background(), store, 42, 4, members[4].Private[:])
	if err != nil || !bytes.Equal(k, material.GroupKey) {
		t.Fatalf("retried member cannot unwrap: %v", err)
	}
	if len(material.Members) != 3 {
		t.Fatalf("member records = %d, want 3", len(material.Members))
	}
}

func TestDistributeAbortsWhenPublishFails(t *testing.T) {
	store := newMemoryStore()
	store.failPublish = true

	_, _, err := e2ee.NewDistributor(store, quietLogger()).Distribute(context.Background(), 42, []int64{1})
	if err == nil {
		t.Fatal("expected publish failure to abort distribution")
	}
	if len(store.memberKeys) != 0 {
		t.Fatal("member keys uploaded without a published group key")
	}
}

func TestMessageEncryption(t *testing.T) {
	k, _ := e2ee.NewGroupKey()

	enc, err := e2ee.EncryptMessage(k, "hello group")
	if err != nil {
		t.Fatalf("EncryptMessage: %v", err)
	}
	if enc == "hello group" {
		t.Fatal("message not encrypted")
	}
	dec, err := e2ee.DecryptMessage(k, enc)
	if err != nil || dec != "hello group" {
		t.Fatalf("DecryptMessage = %q, %v", dec, err)
	}

	other, _ := e2ee.NewGroupKey()
	if _, err := e2ee.DecryptMessage(other, enc); !errors.Is(err, e2ee.ErrCrypto) {
		t.Fatalf("wrong key err = %v", err)
	}
	if _, err := e2ee.DecryptBlob(k, []byte("tiny")); !errors.Is(err, e2ee.ErrCrypto) {
		t.Fatalf("short blob err = %v", err)
	}
}

func TestDecodeKey(t *testing.T) {
	kp := mustKeyPair(t)
	raw, err := e2ee.DecodeKey(kp.PublicBase64())
	if err != nil || !bytes.Equal(raw, kp.Public[:]) {
		t.Fatalf("DecodeKey = %x, %v", raw, err)
	}
	if _, err := e2ee.DecodeKey("!!"); !errors.Is(err, e2ee.ErrCrypto) {
		t.Fatalf("bad base64 err = %v", err)
	}
}
