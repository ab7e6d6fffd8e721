package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibeforge/internal/simerrors"
)

func TestStoreCreateGet(t *testing.T) {
	st := NewStore()
	sess := st.Create()
	require.NotEmpty(t, sess.SessionID)

	got, err := st.Get(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID, got.SessionID)
}

func TestStoreGetMissing(t *testing.T) {
	st := NewStore()
	_, err := st.Get("does-not-exist")
	assert.ErrorIs(t, err, simerrors.ErrNotFound)
}

func TestStoreDelete(t *testing.T) {
	st := NewStore()
	sess := st.Create()

	require.NoError(t, st.Delete(sess.SessionID))
	_, err := st.Get(sess.SessionID)
	assert.ErrorIs(t, err, simerrors.ErrNotFound)

	assert.ErrorIs(t, st.Delete(sess.SessionID), simerrors.ErrNotFound)
}

func TestStoreUpdateMissing(t *testing.T) {
	st := NewStore()
	sess := st.Create()
	st.sessions["other"] = sess // shortcut to build an unregistered pointer scenario
	delete(st.sessions, sess.SessionID)

	err := st.Update(sess)
	assert.ErrorIs(t, err, simerrors.ErrNotFound)
}

func TestStoreInsertRejectsDuplicates(t *testing.T) {
	st := NewStore()
	sess := st.Create()

	assert.Error(t, st.Insert(sess))

	other := NewStore().Create()
	require.NoError(t, st.Insert(other))
	got, err := st.Get(other.SessionID)
	require.NoError(t, err)
	assert.Same(t, other, got)
}

func TestStoreListUnspecifiedOrderButComplete(t *testing.T) {
	st := NewStore()
	a := st.Create()
	b := st.Create()

	ids := map[string]bool{}
	for _, s := range st.List() {
		ids[s.SessionID] = true
	}
	assert.True(t, ids[a.SessionID])
	assert.True(t, ids[b.SessionID])
	assert.Len(t, st.List(), 2)
}
