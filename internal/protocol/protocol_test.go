package protocol

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDatabase = `Databases:
  AMI: /data/ami/{uri}.wav
Protocols:
  AMI:
    SpeakerDiarization:
      only_words:
        train:
          uri: lists/train.txt
          annotation: /abs/train.rttm
        development:
          uri: lists/dev.txt
`

func writeDatabase(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "database.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDatabase_Get(t *testing.T) {
	path := writeDatabase(t, testDatabase)
	db := NewDatabase(path)

	p, err := db.Get("AMI.SpeakerDiarization.only_words")
	require.NoError(t, err)
	assert.Equal(t, "AMI", p.Database)
	assert.Equal(t, "SpeakerDiarization", p.Task)
	assert.Equal(t, "only_words", p.Protocol)
	assert.Equal(t, "/data/ami/{uri}.wav", p.AudioTemplate)
	require.Len(t, p.Subsets, 2)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "lists/train.txt"), p.Subsets["train"].URI)
	assert.Equal(t, "/abs/train.rttm", p.Subsets["train"].Annotation)
	assert.Empty(t, p.Subsets["development"].Annotation)

	names, err := db.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"AMI.SpeakerDiarization.only_words"}, names)
}

func TestDatabase_GetReturnsCopies(t *testing.T) {
	db := NewDatabase(writeDatabase(t, testDatabase))

	p, err := db.Get("AMI.SpeakerDiarization.only_words")
	require.NoError(t, err)
	delete(p.Subsets, "train")
	p.AddPreprocessor("annotation", "x")

	again, err := db.Get("AMI.SpeakerDiarization.only_words")
	require.NoError(t, err)
	assert.Contains(t, again.Subsets, "train")
	assert.Empty(t, again.Preprocessors)
}

func TestDatabase_UnknownProtocol(t *testing.T) {
	path := writeDatabase(t, testDatabase)

	testCases := []struct {
		name   string
		db     *Database
		lookup string
		reason string
	}{
		{"not defined", NewDatabase(path), "AMI.SpeakerDiarization.mixheadset", "not defined in " + path},
		{"bad shape", NewDatabase(path), "AMI.only_words", "expected <Database>.<Task>.<Protocol>"},
		{"no database", &Database{}, "AMI.SpeakerDiarization.only_words", "no database configured"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.db.Get(tc.lookup)
			require.Error(t, err)
			assert.True(t, IsUnknownProtocol(err))
			assert.Contains(t, err.Error(), tc.reason)
		})
	}
}

func TestDatabase_EnvFallback(t *testing.T) {
	first := writeDatabase(t, testDatabase)
	second := writeDatabase(t, `Protocols:
  Debug:
    SpeakerDiarization:
      Tiny:
        train: {uri: train.lst}
`)
	t.Setenv(EnvDatabaseConfig, first+string(os.PathListSeparator)+second)

	names, err := NewDatabase().Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"AMI.SpeakerDiarization.only_words", "Debug.SpeakerDiarization.Tiny"}, names)
}

func TestDatabase_LoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := NewDatabase(filepath.Join(t.TempDir(), "nope.yml")).Get("A.B.C")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read protocol database")
		assert.False(t, IsUnknownProtocol(err))
	})

	t.Run("unknown subset", func(t *testing.T) {
		path := writeDatabase(t, `Protocols:
  A:
    B:
      C:
        validation: {uri: x}
`)
		_, err := NewDatabase(path).Names()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown subset 'validation'")
	})
}
