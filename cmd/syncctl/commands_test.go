package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const batchYAML = `
topic:
  id: t1
  meetingNoteId: mn1
  title: Partnership
  organizationId: org1
entities:
  - id: pending-1
    name: Acme Corp (company)
    type: company
    aliases: [Acme]
    organizationId: org1
relations:
  - sourceEntityId: pending-1
    targetEntityId: Beta
    relationType: partners_with
    topicId: t1
    organizationId: org1
`

func TestReadBatchYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(batchYAML), 0o600))

	batch, err := readBatch(path)
	require.NoError(t, err)
	assert.Equal(t, "mn1", batch.Topic.MeetingNoteID)
	assert.Equal(t, "org1", batch.Topic.OrganizationID)
	require.Len(t, batch.Entities, 1)
	assert.Equal(t, "Acme Corp (company)", batch.Entities[0].Name)
	assert.Equal(t, []string{"Acme"}, batch.Entities[0].Aliases)
	require.Len(t, batch.Relations, 1)
	assert.Equal(t, "partners_with", batch.Relations[0].RelationType)
	assert.Equal(t, "t1", batch.Relations[0].TopicID)
}

func TestReadBatchJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"topic":{"id":"t1","meetingNoteId":"mn1","companyId":"c1"},"entities":[]}`), 0o600))

	batch, err := readBatch(path)
	require.NoError(t, err)
	assert.Equal(t, "c1", batch.Topic.CompanyID)
	assert.Empty(t, batch.Entities)
}

func TestReadBatchErrors(t *testing.T) {
	_, err := readBatch(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("topic: [unterminated"), 0o600))
	_, err = readBatch(path)
	assert.Error(t, err)
}
