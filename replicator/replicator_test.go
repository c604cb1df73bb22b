package replicator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/couchbaselabs/morse/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startPassivePeer serves a database on an httptest server at /_blipsync.
func startPassivePeer(t *testing.T, database *db.Database) *url.URL {
	mux := http.NewServeMux()
	mux.Handle(BlipSyncPath, NewPassiveHandler(context.Background(), database))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	target, err := url.Parse(server.URL)
	require.NoError(t, err)
	return target
}

func seedDocs(t *testing.T, database *db.Database, count int, prefix string) {
	for i := 1; i <= count; i++ {
		docID := fmt.Sprintf("%s%d", prefix, i)
		body := []byte(fmt.Sprintf(`{"i":%d}`, i))
		_, _, err := database.PutExistingRev(docID, []string{"1-seed"}, body, 0, true)
		require.NoError(t, err)
	}
}

func waitForReplication(t *testing.T, ar *ActiveReplicator) {
	select {
	case err := <-ar.Done():
		assert.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("replication didn't complete")
	}
}

func TestOneShotPush(t *testing.T) {
	activeDB := setupTestDB(t)
	passiveDB := setupTestDB(t)
	target := startPassivePeer(t, passiveDB)

	const numDocs = 50
	seedDocs(t, activeDB, numDocs, "doc")

	config := &ActiveReplicatorConfig{
		ID:                  "push-test",
		Push:                ModeOneShot,
		ActiveDB:            activeDB,
		RemoteDBURL:         target,
		CheckpointSaveDelay: time.Millisecond * 50,
	}
	ar, err := NewActiveReplicator(context.Background(), config)
	require.NoError(t, err)
	require.NoError(t, ar.Start())
	waitForReplication(t, ar)

	// Every doc arrived with its revision intact:
	for i := 1; i <= numDocs; i++ {
		docID := fmt.Sprintf("doc%d", i)
		doc, err := passiveDB.GetDocument(docID, true)
		require.NoError(t, err, "missing %s on passive side", docID)
		assert.Equal(t, "1-seed", doc.CurrentRevID())
		body, err := passiveDB.RevisionBody(docID, "1-seed")
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf(`{"i":%d}`, i)), body)
	}

	// The push checkpoint reached the last local sequence:
	lastSeq, err := activeDB.LastSequence()
	require.NoError(t, err)
	_, rev, err := activeDB.GetLocal(checkpointDocIDPrefix + "push-test-push")
	require.NoError(t, err)
	require.NotEmpty(t, rev)
	body, _, err := activeDB.GetLocal(checkpointDocIDPrefix + "push-test-push")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d", lastSeq), body[checkpointLastSeqKey])
}

func TestOneShotPull(t *testing.T) {
	activeDB := setupTestDB(t)
	passiveDB := setupTestDB(t)
	target := startPassivePeer(t, passiveDB)

	const numDocs = 25
	seedDocs(t, passiveDB, numDocs, "pulled")

	config := &ActiveReplicatorConfig{
		ID:                  "pull-test",
		Pull:                ModeOneShot,
		ActiveDB:            activeDB,
		RemoteDBURL:         target,
		CheckpointSaveDelay: time.Millisecond * 50,
	}
	ar, err := NewActiveReplicator(context.Background(), config)
	require.NoError(t, err)
	require.NoError(t, ar.Start())
	waitForReplication(t, ar)

	for i := 1; i <= numDocs; i++ {
		docID := fmt.Sprintf("pulled%d", i)
		doc, err := activeDB.GetDocument(docID, true)
		require.NoError(t, err, "missing %s on active side", docID)
		assert.Equal(t, "1-seed", doc.CurrentRevID())
	}
}

func TestPushResumesFromCheckpoint(t *testing.T) {
	activeDB := setupTestDB(t)
	passiveDB := setupTestDB(t)
	target := startPassivePeer(t, passiveDB)

	seedDocs(t, activeDB, 10, "doc")

	run := func() {
		config := &ActiveReplicatorConfig{
			ID:                  "resume-test",
			Push:                ModeOneShot,
			ActiveDB:            activeDB,
			RemoteDBURL:         target,
			CheckpointSaveDelay: time.Millisecond * 50,
		}
		ar, err := NewActiveReplicator(context.Background(), config)
		require.NoError(t, err)
		require.NoError(t, ar.Start())
		waitForReplication(t, ar)
	}
	run()

	// More writes, then a second run with the same ID picks up after the
	// checkpoint and transfers the remainder:
	seedDocs(t, activeDB, 5, "extra")
	run()

	for i := 1; i <= 5; i++ {
		docID := fmt.Sprintf("extra%d", i)
		_, err := passiveDB.GetDocument(docID, true)
		require.NoError(t, err, "missing %s on passive side", docID)
	}
}

func TestPushHistoryToKnownAncestor(t *testing.T) {
	activeDB := setupTestDB(t)
	passiveDB := setupTestDB(t)
	target := startPassivePeer(t, passiveDB)

	// Both sides share 1-a..2-b; active adds two more generations:
	_, _, err := passiveDB.PutExistingRev("doc", []string{"2-b", "1-a"}, []byte(`{"n":2}`), 0, true)
	require.NoError(t, err)
	_, _, err = activeDB.PutExistingRev("doc", []string{"2-b", "1-a"}, []byte(`{"n":2}`), 0, true)
	require.NoError(t, err)
	_, _, err = activeDB.PutExistingRev("doc", []string{"4-d", "3-c", "2-b", "1-a"}, []byte(`{"n":4}`), 0, true)
	require.NoError(t, err)

	config := &ActiveReplicatorConfig{
		ID:                  "history-test",
		Push:                ModeOneShot,
		ActiveDB:            activeDB,
		RemoteDBURL:         target,
		CheckpointSaveDelay: time.Millisecond * 50,
	}
	ar, err := NewActiveReplicator(context.Background(), config)
	require.NoError(t, err)
	require.NoError(t, ar.Start())
	waitForReplication(t, ar)

	doc, err := passiveDB.GetDocument("doc", true)
	require.NoError(t, err)
	assert.Equal(t, "4-d", doc.CurrentRevID())

	// The intermediate rev arrived through the history:
	history, err := passiveDB.RevisionHistory("doc", "4-d")
	require.NoError(t, err)
	assert.Equal(t, []string{"4-d", "3-c", "2-b", "1-a"}, history)
}

func TestReplicatorConfigValidation(t *testing.T) {
	activeDB := setupTestDB(t)
	target, _ := url.Parse("http://example.com/db")

	valid := &ActiveReplicatorConfig{ID: "r", Push: ModeOneShot, ActiveDB: activeDB, RemoteDBURL: target}
	assert.Empty(t, valid.Validate())

	for _, invalid := range []*ActiveReplicatorConfig{
		{Push: ModeOneShot, ActiveDB: activeDB, RemoteDBURL: target},            // no ID
		{ID: "r", ActiveDB: activeDB, RemoteDBURL: target},                      // no direction
		{ID: "r", Push: ModePassive, ActiveDB: activeDB, RemoteDBURL: target},   // passive is not active
		{ID: "r", Push: ModeOneShot, RemoteDBURL: target},                       // no DB
		{ID: "r", Push: ModeOneShot, ActiveDB: activeDB},                        // no URL
		{ID: "r", Push: ModeOneShot, ActiveDB: activeDB, RemoteDBURL: &url.URL{Scheme: "ftp", Host: "x"}},
	} {
		assert.NotEmpty(t, invalid.Validate())
	}
}
