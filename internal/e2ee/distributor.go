package e2ee

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/adi-253/echowire/internal/models"
)

// KeyStorage is the key-storage API the distribution protocol writes to.
type KeyStorage interface {
	UploadGroupPublicKey(ctx context.Context, groupID int64, publicKey string) error
	GetUserPublicKey(ctx context.Context, userID int64) (string, error)
	UploadGroupMemberKey(ctx context.Context, key models.GroupMemberKey) error
}

// KeyFetcher reads back what distribution published.
type KeyFetcher interface {
	GetGroupPublicKey(ctx context.Context, groupID int64) (string, error)
	GetGroupMemberKey(ctx context.Context, groupID, userID int64) (*models.GroupMemberKey, error)
}

// Stage names the per-member step that failed.
type Stage string

const (
	StageFetchKey Stage = "fetch_key"
	StageWrap     Stage = "wrap"
	StageUpload   Stage = "upload"
)

// MemberError is one member's distribution failure.
type MemberError struct {
	UserID int64
	Stage  Stage
	Err    error
}

func (e *MemberError) Error() string {
	return fmt.Sprintf("member %d: %s: %v", e.UserID, e.Stage, e.Err)
}

func (e *MemberError) Unwrap() error { return e.Err }

// MemberRecord is what was uploaded for one member.
type MemberRecord struct {
	UserID     int64
	Ciphertext []byte
	Nonce      []byte
}

// GroupKeyMaterial holds the secrets of one distribution run. GroupKey and
// the ephemeral private key never leave this struct.
type GroupKeyMaterial struct {
	GroupID   int64
	GroupKey  []byte
	Ephemeral *KeyPair
	Members   []MemberRecord
}

// DistributionReport lists which members received a usable wrapped key.
type DistributionReport struct {
	GroupID   int64
	Succeeded []int64
	Failed    []*MemberError
}

// Complete reports whether every member was keyed.
func (r *DistributionReport) Complete() bool {
	return len(r.Failed) == 0
}

// FailedIDs returns the members to retry with WrapForMember.
func (r *DistributionReport) FailedIDs() []int64 {
	ids := make([]int64, len(r.Failed))
	for i, f := range r.Failed {
		ids[i] = f.UserID
	}
	return ids
}

// Distributor seeds encrypted groups.
type Distributor struct {
	store KeyStorage
	log   *log.Entry
}

func NewDistributor(store KeyStorage, logger *log.Entry) *Distributor {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Distributor{store: store, log: logger.WithField("component", "e2ee")}
}

// Distribute generates a group key and an ephemeral keypair, publishes the
// ephemeral public key, then wraps and uploads the key for each member in
// turn. A member's failure is recorded and logged without stopping the loop;
// only failures before the loop abort the call.
func (d *Distributor) Distribute(ctx context.Context, groupID int64, memberIDs []int64) (*GroupKeyMaterial, *DistributionReport, error) {
	groupKey, err := NewGroupKey()
	if err != nil {
		return nil, nil, fmt.Errorf("generate group key: %w", err)
	}
	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral keypair: %w", err)
	}
	if err := d.store.UploadGroupPublicKey(ctx, groupID, ephemeral.PublicBase64()); err != nil {
		return nil, nil, fmt.Errorf("publish group public key: %w", err)
	}

	material := &GroupKeyMaterial{GroupID: groupID, GroupKey: groupKey, Ephemeral: ephemeral}
	report := &DistributionReport{GroupID: groupID}

	for _, userID := range memberIDs {
		if err := ctx.Err(); err != nil {
			report.Failed = append(report.Failed, &MemberError{UserID: userID, Stage: StageFetchKey, Err: err})
			continue
		}
		if err := d.WrapForMember(ctx, material, userID); err != nil {
			var me *MemberError
			if !errors.As(err, &me) {
				me = &MemberError{UserID: userID, Stage: StageWrap, Err: err}
			}
			report.Failed = append(report.Failed, me)
			continue
		}
		report.Succeeded = append(report.Succeeded, userID)
	}

	entry := d.log.WithFields(log.Fields{
		"group_id":  groupID,
		"succeeded": len(report.Succeeded),
		"failed":    len(report.Failed),
	})
	if report.Complete() {
		entry.Info("Group key distributed")
	} else {
		entry.Warn("Group key distribution incomplete")
	}
	return material, report, nil
}

// WrapForMember wraps the group key for one member and uploads it. It is
// also the retry path for members a previous run failed.
func (d *Distributor) WrapForMember(ctx context.Context, material *GroupKeyMaterial, userID int64) error {
	entry := d.log.WithFields(log.Fields{"group_id": material.GroupID, "user_id": userID})

	pubB64, err := d.store.GetUserPublicKey(ctx, userID)
	if err != nil {
		entry.WithError(err).Error("Fetching member public key failed")
		return &MemberError{UserID: userID, Stage: StageFetchKey, Err: err}
	}
	memberPub, err := DecodeKey(pubB64)
	if err != nil {
		entry.WithError(err).Error("Member public key is invalid")
		return &MemberError{UserID: userID, Stage: StageFetchKey, Err: err}
	}

	ciphertext, nonce, err := WrapGroupKey(material.Ephemeral.Private[:], memberPub, material.GroupKey)
	if err != nil {
		entry.WithError(err).Error("Wrapping group key failed")
		return &MemberError{UserID: userID, Stage: StageWrap, Err: err}
	}

	record := models.GroupMemberKey{
		GroupID:                  material.GroupID,
		UserID:                   userID,
		EncryptedGroupPrivateKey: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:                    base64.StdEncoding.EncodeToString(nonce),
	}
	if err := d.store.UploadGroupMemberKey(ctx, record); err != nil {
		entry.WithError(err).Error("Uploading member key failed")
		return &MemberError{UserID: userID, Stage: StageUpload, Err: err}
	}

	material.Members = append(material.Members, MemberRecord{UserID: userID, Ciphertext: ciphertext, Nonce: nonce})
	entry.Debug("Member key uploaded")
	return nil
}

// FetchAndUnwrap downloads the caller's wrapped key and the group public key
// and recovers the group key with the caller's private key.
func FetchAndUnwrap(ctx context.Context, store KeyFetcher, groupID, userID int64, userPriv []byte) ([]byte, error) {
	pubB64, err := store.GetGroupPublicKey(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("fetch group public key: %w", err)
	}
	ephemeralPub, err := DecodeKey(pubB64)
	if err != nil {
		return nil, err
	}

	record, err := store.GetGroupMemberKey(ctx, groupID, userID)
	if err != nil {
		return nil, fmt.Errorf("fetch member key: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(record.EncryptedGroupPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: decode wrapped key: %v", ErrCrypto, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(record.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: decode nonce: %v", ErrCrypto, err)
	}

	return UnwrapGroupKey(userPriv, ephemeralPub, nonce, ciphertext)
}
