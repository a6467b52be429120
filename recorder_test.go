package bmv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecorderAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recording.log")
	rec, err := OpenRecorder(path)
	assert.NoError(t, err)

	assert.NoError(t, rec.Record("V\t24340\r\n"))
	assert.NoError(t, rec.Record("Checksum\tX\r\n"))
	assert.NoError(t, rec.Close())

	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.Equal(t, "V\t24340\r\nChecksum\tX\r\n", string(data))
}

func TestRecorderNilReceiverIsSafe(t *testing.T) {
	var rec *Recorder
	assert.NoError(t, rec.Record("anything"))
	assert.NoError(t, rec.Close())
}
