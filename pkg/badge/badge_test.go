package badge_test

import (
	"errors"
	"testing"
	"time"

	"github.com/badgehub/badgehub-core/pkg/badge"
	"github.com/badgehub/badgehub-core/pkg/recipient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAssertion(t *testing.T) *badge.Assertion {
	t.Helper()
	issuer, err := badge.NewIssuer("Test Issuer", "https://issuer.example.org", "badges@example.org")
	require.NoError(t, err)
	bc, err := badge.NewBadgeClass(issuer, "Test Badge", "A badge for testing")
	require.NoError(t, err)
	a, err := badge.NewAssertion(bc, recipient.Identity{Identifier: "learner@example.org", Hashed: true}, time.Now())
	require.NoError(t, err)
	return a
}

func TestNewBadgeClass(t *testing.T) {
	_, err := badge.NewBadgeClass(nil, "x", "")
	assert.ErrorIs(t, err, badge.ErrInvalid)

	issuer, err := badge.NewIssuer("Issuer", "", "")
	require.NoError(t, err)
	_, err = badge.NewBadgeClass(issuer, "  ", "")
	assert.ErrorIs(t, err, badge.ErrInvalid)
}

func TestBadgeClass_Criteria(t *testing.T) {
	issuer, _ := badge.NewIssuer("Issuer", "", "")
	bc, err := badge.NewBadgeClass(issuer, "Badge", "")
	require.NoError(t, err)

	require.NoError(t, bc.SetCriteria("https://example.org/criteria", ""))
	u, txt := bc.Criteria()
	assert.Equal(t, "https://example.org/criteria", u)
	assert.Empty(t, txt)

	require.NoError(t, bc.SetCriteria("", "Complete the course"))
	u, txt = bc.Criteria()
	assert.Empty(t, u)
	assert.Equal(t, "Complete the course", txt)

	err = bc.SetCriteria("https://example.org/criteria", "Complete the course")
	assert.ErrorIs(t, err, badge.ErrCriteriaConflict)
	_, txt = bc.Criteria()
	assert.Equal(t, "Complete the course", txt)
	assert.Same(t, issuer, bc.Issuer())
}

func TestNewAssertion(t *testing.T) {
	a := newAssertion(t)
	assert.NotEmpty(t, a.Recipient.Salt)
	assert.Equal(t, recipient.TypeEmail, a.Recipient.Type)
	assert.Equal(t, badge.StateHosted, a.State())
	assert.Nil(t, a.ExpiresAt)

	issuer, _ := badge.NewIssuer("Issuer", "", "")
	bc, _ := badge.NewBadgeClass(issuer, "Badge", "")
	_, err := badge.NewAssertion(bc, recipient.Identity{}, time.Now())
	assert.ErrorIs(t, err, badge.ErrInvalid)

	_, err = badge.NewAssertion(bc, recipient.Identity{Identifier: "x", Type: "fax"}, time.Now())
	assert.ErrorIs(t, err, badge.ErrInvalid)
}

func TestNewAssertion_Expiration(t *testing.T) {
	issuer, _ := badge.NewIssuer("Issuer", "", "")
	bc, _ := badge.NewBadgeClass(issuer, "Badge", "")
	bc.ExpiresAfter = &badge.Expiration{Amount: 2, Unit: badge.UnitYears}

	issued := time.Date(2020, 1, 15, 0, 0, 0, 0, time.UTC)
	a, err := badge.NewAssertion(bc, recipient.Identity{Identifier: "a@example.org"}, issued)
	require.NoError(t, err)
	require.NotNil(t, a.ExpiresAt)
	assert.Equal(t, time.Date(2022, 1, 15, 0, 0, 0, 0, time.UTC), *a.ExpiresAt)
	assert.True(t, a.Expired(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.False(t, a.Expired(time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestAssertion_Revoke(t *testing.T) {
	a := newAssertion(t)

	err := a.Revoke("  ", time.Now())
	assert.ErrorIs(t, err, badge.ErrReasonRequired)
	assert.False(t, a.Revoked())

	require.NoError(t, a.Revoke("Issued in error", time.Now()))
	assert.True(t, a.Revoked())
	assert.Equal(t, "Issued in error", a.RevocationReason())

	err = a.Revoke("again", time.Now())
	assert.ErrorIs(t, err, badge.ErrAlreadyRevoked)
	assert.Equal(t, "Issued in error", a.RevocationReason())

	err = a.RequestSignature(&badge.PublicKeyIssuer{KeyURL: "https://example.org/key"})
	assert.ErrorIs(t, err, badge.ErrInvalidTransition)
	assert.True(t, a.Revoked())
}

func TestAssertion_SigningBranch(t *testing.T) {
	a := newAssertion(t)
	key := &badge.PublicKeyIssuer{EntityID: "k1", KeyURL: "https://example.org/keys/k1"}

	err := a.CompleteSignature("sig")
	assert.ErrorIs(t, err, badge.ErrInvalidTransition)

	require.NoError(t, a.RequestSignature(key))
	assert.Equal(t, badge.StatePendingSignature, a.State())
	assert.Same(t, key, a.PublicKey())

	assert.ErrorIs(t, a.CompleteSignature(" "), badge.ErrInvalid)
	require.NoError(t, a.CompleteSignature("header.payload.signature"))
	assert.Equal(t, badge.StateSigned, a.State())
	assert.Equal(t, "header.payload.signature", a.Signature())

	err = a.Revoke("too late", time.Now())
	assert.ErrorIs(t, err, badge.ErrInvalidTransition)
	assert.ErrorIs(t, a.RequestSignature(key), badge.ErrInvalidTransition)
}

func TestAssertion_Restore(t *testing.T) {
	a := newAssertion(t)

	assert.Error(t, a.Restore(badge.Lifecycle{State: badge.StateRevoked}))
	assert.Error(t, a.Restore(badge.Lifecycle{State: badge.StateSigned}))
	assert.Error(t, a.Restore(badge.Lifecycle{State: "lost"}))

	require.NoError(t, a.Restore(badge.Lifecycle{State: badge.StateRevoked, RevocationReason: "fraud"}))
	assert.True(t, a.Revoked())
	assert.Equal(t, "fraud", a.Lifecycle().RevocationReason)
}

func TestError(t *testing.T) {
	err := badge.WrapError(badge.ErrCodeNotFound, "assertion abc", errors.New("no rows"))
	assert.ErrorIs(t, err, badge.ErrNotFound)
	assert.Equal(t, badge.ErrCodeNotFound, badge.GetErrorCode(err))
	assert.Contains(t, err.Error(), "no rows")
	assert.Empty(t, badge.GetErrorCode(errors.New("plain")))
}

func TestKind(t *testing.T) {
	for _, k := range []badge.Kind{badge.KindIssuer, badge.KindBadgeClass, badge.KindAssertion} {
		parsed, err := badge.ParseKind(k.Slug())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
		parsed, err = badge.ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := badge.ParseKind("thing")
	assert.Error(t, err)

	a := newAssertion(t)
	assert.Equal(t, "assertion:"+a.EntityID, badge.RefOf(a).String())
}

func TestAssertion_CloneWith(t *testing.T) {
	a := newAssertion(t)
	a.Evidence = []badge.Evidence{{URL: "https://example.org/work"}}
	bc := a.BadgeClass().CloneWith(a.Issuer().Clone())
	c := a.CloneWith(bc)

	require.NoError(t, c.Revoke("duplicate", time.Now()))
	c.Evidence[0].URL = "changed"

	assert.False(t, a.Revoked())
	assert.Equal(t, "https://example.org/work", a.Evidence[0].URL)
	assert.Same(t, bc, c.BadgeClass())
	assert.NotSame(t, a.Issuer(), c.Issuer())
	assert.Equal(t, a.Issuer().EntityID, c.Issuer().EntityID)
}
