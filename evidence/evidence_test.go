package evidence

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/generic"
)

func TestObjectKey_Convention(t *testing.T) {
	key := ObjectKey("m-1", "p-2024", generic.MonthlySlot{Year: 2024, Month: time.May}, "Receipt.PDF")
	assert.Regexp(t, regexp.MustCompile(`^m-1/p-2024/2024_05_[0-9a-f-]{36}\.pdf$`), key)

	key = ObjectKey("m-1", "p-uni", generic.OrdinalSlot{Number: 3}, "noext")
	assert.Regexp(t, regexp.MustCompile(`^m-1/p-uni/installment_3_[0-9a-f-]{36}\.bin$`), key)
}

func TestObjectKey_UniquePerCall(t *testing.T) {
	slot := generic.OrdinalSlot{Number: 1}
	assert.NotEqual(t, ObjectKey("m", "p", slot, "a.png"), ObjectKey("m", "p", slot, "a.png"))
}

func TestObjectKey_SanitizesSegments(t *testing.T) {
	key := ObjectKey("../etc", "p/x", generic.OrdinalSlot{Number: 1}, "a.png")
	assert.NotContains(t, key, "..")
	assert.Regexp(t, `^__etc/p_x/`, key)
}

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	fs, err := NewFileStore(root)
	require.NoError(t, err)

	key := "m-1/p-1/2024_05_abc.png"
	require.NoError(t, fs.Put(ctx, key, Upload{Filename: "a.png", Data: []byte("img")}))

	_, err = os.Stat(filepath.Join(root, "m-1", "p-1", "2024_05_abc.png"))
	require.NoError(t, err)

	obj, err := fs.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("img"), obj.Data)
	assert.Equal(t, "image/png", obj.ContentType)

	require.NoError(t, fs.Delete(ctx, key))
	_, err = fs.Get(ctx, key)
	assert.True(t, generic.IsNotFound(err))

	// deleting twice is fine
	assert.NoError(t, fs.Delete(ctx, key))
}

func TestFileStore_RejectsEscapingKeys(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"../outside.pdf", "/abs.pdf", ".."} {
		err := fs.Put(context.Background(), key, Upload{Data: []byte("x")})
		assert.True(t, generic.IsValidation(err), key)
	}
}

func TestMemory_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Put(ctx, "k.pdf", Upload{Data: []byte("pdf")}))
	obj, err := m.Get(ctx, "k.pdf")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", obj.ContentType)
	assert.Len(t, m.Keys(), 1)

	require.NoError(t, m.Delete(ctx, "k.pdf"))
	_, err = m.Get(ctx, "k.pdf")
	assert.True(t, generic.IsNotFound(err))
}

func TestSigner_SignAndVerify(t *testing.T) {
	s, err := NewSigner("0123456789abcdef-secret", time.Minute)
	require.NoError(t, err)

	token, exp, err := s.Sign("m-1/p-1/2024_05_x.pdf")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), exp, 2*time.Second)

	key, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "m-1/p-1/2024_05_x.pdf", key)
}

func TestSigner_Expired(t *testing.T) {
	s, err := NewSigner("0123456789abcdef-secret", time.Minute)
	require.NoError(t, err)

	issued := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return issued }
	token, _, err := s.Sign("k")
	require.NoError(t, err)

	s.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSigner_WrongSecret(t *testing.T) {
	a, _ := NewSigner("0123456789abcdef-one", time.Minute)
	b, _ := NewSigner("0123456789abcdef-two", time.Minute)

	token, _, err := a.Sign("k")
	require.NoError(t, err)
	_, err = b.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewSigner("short", time.Minute)
	assert.Error(t, err)
}
