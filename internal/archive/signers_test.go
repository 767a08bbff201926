package archive

import (
	"context"
	"testing"

	"github.com/desertwitch/zipvfs/internal/adapter"
	"github.com/stretchr/testify/require"
)

const testSignatureFile = "Signature-Version: 1.0\r\n" +
	"SHA-256-Digest-Manifest: abc=\r\n" +
	"Created-By: 17 (Test)\r\n" +
	"\r\n" +
	"Name: com/example/Main.cl\r\n" +
	" ass\r\n" +
	"SHA-256-Digest: def=\r\n" +
	"SHA1-Digest: ghi=\r\n" +
	"\r\n"

// Expectation: Sections, continuation lines and line endings should be parsed.
func Test_parseManifest_Success(t *testing.T) {
	t.Parallel()

	sections := parseManifest([]byte(testSignatureFile))

	require.Len(t, sections, 2)
	require.Equal(t, "1.0", sections[0]["Signature-Version"])
	require.Equal(t, "17 (Test)", sections[0]["Created-By"])
	require.Equal(t, "com/example/Main.class", sections[1]["Name"])
	require.Equal(t, "def=", sections[1]["SHA-256-Digest"])
}

// Expectation: Signed entries should report their signers, unsigned ones none.
func Test_Archive_Signers_Success(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	path := createTestZip(t, t.TempDir(), "signed.jar", []testEntry{
		{Path: "META-INF/MANIFEST.MF", Content: []byte("Manifest-Version: 1.0\r\n\r\n")},
		{Path: "META-INF/CERT.SF", Content: []byte(testSignatureFile)},
		{Path: "META-INF/CERT.RSA", Content: []byte("certificates")},
		{Path: "com/example/Main.class", Content: []byte("class")},
		{Path: "com/example/Other.class", Content: []byte("other")},
	})
	a := openTestArchive(t, FromFile(path), testOptions(t, NestedNoCopy))

	signers, err := a.Signers(ctx, []string{"com", "example", "Main.class"})
	require.NoError(t, err)
	require.Equal(t, []Signer{{
		Name:       "CERT",
		File:       "META-INF/CERT.SF",
		Block:      "META-INF/CERT.RSA",
		Algorithms: []string{"SHA-256", "SHA1"},
	}}, signers)

	e, err := a.lookup(ctx, []string{"com", "example", "Other.class"})
	require.NoError(t, err)
	require.Nil(t, e.signers.Load())

	signers, err = a.Signers(ctx, []string{"com", "example", "Other.class"})
	require.NoError(t, err)
	require.Empty(t, signers)
	require.Same(t, noSigners, e.signers.Load())

	signers, err = a.Signers(ctx, []string{"com", "example", "Other.class"})
	require.NoError(t, err)
	require.Empty(t, signers)

	_, err = a.Signers(ctx, []string{"com"})
	require.ErrorIs(t, err, adapter.ErrNotFile)
}

// Expectation: Archives without signature files should not be signed.
func Test_Archive_Signers_Unsigned_Success(t *testing.T) {
	t.Parallel()

	path := createTestZip(t, t.TempDir(), "unsigned.jar", []testEntry{
		{Path: "a.txt", Content: []byte("a")},
	})
	a := openTestArchive(t, FromFile(path), testOptions(t, NestedNoCopy))

	signers, err := a.Signers(context.Background(), []string{"a.txt"})
	require.NoError(t, err)
	require.Empty(t, signers)
}
