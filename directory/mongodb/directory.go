package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	gatehouse "github.com/innkeepr/gatehouse"
)

// Directory is a gatehouse.UserDirectory backed by one MongoDB collection.
type Directory struct {
	users *mongo.Collection
}

type userDocument struct {
	UserID         string             `bson:"_id"`
	Identifier     string             `bson:"identifier"`
	PasswordHash   string             `bson:"password_hash"`
	Role           string             `bson:"role"`
	Active         bool               `bson:"active"`
	TwoFactor      *twoFactorDocument `bson:"two_factor,omitempty"`
	RecoveryHashes [][]byte           `bson:"recovery_hashes,omitempty"`
}

type twoFactorDocument struct {
	Secret          []byte `bson:"secret"`
	Enabled         bool   `bson:"enabled"`
	Confirmed       bool   `bson:"confirmed"`
	LastUsedCounter int64  `bson:"last_used_counter"`
}

// New builds a Directory over db's "users" collection and ensures the
// identifier index exists.
func New(ctx context.Context, db *mongo.Database) (*Directory, error) {
	users := db.Collection("users")

	_, err := users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "identifier", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("creating identifier index: %w", err)
	}

	return &Directory{users: users}, nil
}

// Lookup returns the live status for userID.
func (d *Directory) Lookup(ctx context.Context, userID string) (gatehouse.UserStatus, error) {
	var doc userDocument
	err := d.users.FindOne(ctx, bson.M{"_id": userID},
		options.FindOne().SetProjection(bson.M{"role": 1, "active": 1}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return gatehouse.UserStatus{}, gatehouse.ErrUserNotFound
		}
		return gatehouse.UserStatus{}, fmt.Errorf("looking up user: %w", err)
	}
	return gatehouse.UserStatus{Active: doc.Active, Role: doc.Role}, nil
}

// LookupByIdentifier returns the full account for a login identifier.
func (d *Directory) LookupByIdentifier(ctx context.Context, identifier string) (gatehouse.UserAccount, error) {
	var doc userDocument
	err := d.users.FindOne(ctx, bson.M{"identifier": identifier}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return gatehouse.UserAccount{}, gatehouse.ErrUserNotFound
		}
		return gatehouse.UserAccount{}, fmt.Errorf("looking up identifier: %w", err)
	}
	return gatehouse.UserAccount{
		UserID:           doc.UserID,
		Identifier:       doc.Identifier,
		PasswordHash:     doc.PasswordHash,
		Role:             doc.Role,
		Active:           doc.Active,
		TwoFactorEnabled: doc.TwoFactor != nil && doc.TwoFactor.Enabled && doc.TwoFactor.Confirmed,
	}, nil
}

// GetTwoFactor returns the user's 2FA state, or ErrTwoFactorNotConfigured
// when no secret was ever saved.
func (d *Directory) GetTwoFactor(ctx context.Context, userID string) (*gatehouse.TwoFactorRecord, error) {
	var doc userDocument
	err := d.users.FindOne(ctx, bson.M{"_id": userID},
		options.FindOne().SetProjection(bson.M{"two_factor": 1}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, gatehouse.ErrUserNotFound
		}
		return nil, fmt.Errorf("loading two-factor state: %w", err)
	}
	if doc.TwoFactor == nil || len(doc.TwoFactor.Secret) == 0 {
		return nil, gatehouse.ErrTwoFactorNotConfigured
	}
	return &gatehouse.TwoFactorRecord{
		Secret:          doc.TwoFactor.Secret,
		Enabled:         doc.TwoFactor.Enabled,
		Confirmed:       doc.TwoFactor.Confirmed,
		LastUsedCounter: doc.TwoFactor.LastUsedCounter,
	}, nil
}

// SaveTwoFactorSecret stores a fresh unconfirmed secret, resetting the
// replay counter.
func (d *Directory) SaveTwoFactorSecret(ctx context.Context, userID string, secret []byte) error {
	res, err := d.users.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{
		"$set": bson.M{"two_factor": twoFactorDocument{Secret: secret}},
	})
	if err != nil {
		return fmt.Errorf("saving two-factor secret: %w", err)
	}
	if res.MatchedCount == 0 {
		return gatehouse.ErrUserNotFound
	}
	return nil
}

// EnableTwoFactor flips confirmation and enforcement on.
func (d *Directory) EnableTwoFactor(ctx context.Context, userID string) error {
	res, err := d.users.UpdateOne(ctx,
		bson.M{"_id": userID, "two_factor": bson.M{"$exists": true}},
		bson.M{"$set": bson.M{"two_factor.enabled": true, "two_factor.confirmed": true}},
	)
	if err != nil {
		return fmt.Errorf("enabling two-factor: %w", err)
	}
	if res.MatchedCount == 0 {
		return gatehouse.ErrTwoFactorNotConfigured
	}
	return nil
}

// DisableTwoFactor removes the secret entirely. A user without 2FA is left
// unchanged; the operation is idempotent.
func (d *Directory) DisableTwoFactor(ctx context.Context, userID string) error {
	_, err := d.users.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{
		"$unset": bson.M{"two_factor": ""},
	})
	if err != nil {
		return fmt.Errorf("disabling two-factor: %w", err)
	}
	return nil
}

// UpdateTwoFactorLastUsed advances the replay counter monotonically. The
// $max keeps a concurrent verification from moving it backwards.
func (d *Directory) UpdateTwoFactorLastUsed(ctx context.Context, userID string, counter int64) error {
	_, err := d.users.UpdateOne(ctx,
		bson.M{"_id": userID, "two_factor": bson.M{"$exists": true}},
		bson.M{"$max": bson.M{"two_factor.last_used_counter": counter}},
	)
	if err != nil {
		return fmt.Errorf("updating replay counter: %w", err)
	}
	return nil
}

// ReplaceRecoveryCodes swaps the whole hash set. A nil slice clears it.
func (d *Directory) ReplaceRecoveryCodes(ctx context.Context, userID string, codes []gatehouse.RecoveryCodeRecord) error {
	hashes := make([][]byte, 0, len(codes))
	for _, c := range codes {
		h := make([]byte, len(c.Hash))
		copy(h, c.Hash[:])
		hashes = append(hashes, h)
	}

	res, err := d.users.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{
		"$set": bson.M{"recovery_hashes": hashes},
	})
	if err != nil {
		return fmt.Errorf("replacing recovery codes: %w", err)
	}
	if res.MatchedCount == 0 {
		return gatehouse.ErrUserNotFound
	}
	return nil
}

// ConsumeRecoveryCode removes the hash with one $pull and reports whether a
// removal happened. The server serializes concurrent pulls of the same hash,
// so exactly one caller sees true.
func (d *Directory) ConsumeRecoveryCode(ctx context.Context, userID string, hash [32]byte) (bool, error) {
	res, err := d.users.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{
		"$pull": bson.M{"recovery_hashes": hash[:]},
	})
	if err != nil {
		return false, fmt.Errorf("consuming recovery code: %w", err)
	}
	if res.MatchedCount == 0 {
		return false, gatehouse.ErrUserNotFound
	}
	return res.ModifiedCount > 0, nil
}
