package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentType(t *testing.T) {
	cases := map[string]string{
		"scans/s1/trivy.json": "application/json",
		"scans/s1/nmap.xml":   "application/xml",
		"scans/s1/nikto.out":  "text/plain",
		"scans/s1/blob":       "application/octet-stream",
	}
	for key, want := range cases {
		assert.Equal(t, want, ContentType(key), key)
	}
}

func TestObjectURL(t *testing.T) {
	assert.Equal(t, "http://minio:9000/armoureye/scans/s1/trivy.out", ObjectURL("", "minio:9000", "armoureye", "scans/s1/trivy.out"))
	assert.Equal(t, "https://s3.local/b/k", ObjectURL("https", "s3.local", "b", "k"))
}
