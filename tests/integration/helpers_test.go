//go:build integration

package integration

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hypeloop/postflow/internal/domain"
	"github.com/hypeloop/postflow/internal/testutil"
)

// newTestClient creates a validated client authenticated as ownerID.
func newTestClient(t *testing.T, ownerID string) *testutil.Client {
	t.Helper()

	client := testutil.NewClientWithValidator(testServer.URL, testValidator)
	client.SetT(t)

	tok, err := testTokens.IssueToken(ownerID)
	require.NoError(t, err)
	client.SetToken(tok)
	return client
}

// newAnonymousClient creates a client without credentials or validation,
// for negative auth tests.
func newAnonymousClient() *testutil.Client {
	return testutil.NewClient(testServer.URL)
}

// cleanQueue removes all queue items. Call at the start of tests that
// assert on queue-wide state like stats or FetchDue ordering.
func cleanQueue(t *testing.T) {
	t.Helper()

	_, err := testDB.Exec(context.Background(), "TRUNCATE queue_items")
	require.NoError(t, err)
}

func enqueuePayload(mutate ...func(map[string]interface{})) map[string]interface{} {
	body := map[string]interface{}{
		"target_account_id": "acc-1",
		"platform":          "tiktok",
		"content_type":      "post",
		"payload":           map[string]string{"caption": "integration hello"},
	}
	for _, m := range mutate {
		m(body)
	}
	return body
}

// schedulePost creates one post via the API and returns its ID.
func schedulePost(t *testing.T, client *testutil.Client, mutate ...func(map[string]interface{})) string {
	t.Helper()

	resp, err := client.POST("/api/v1/posts", enqueuePayload(mutate...))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	require.NotEmpty(t, result.Data.ID)
	return result.Data.ID
}

// itemState reads the current state of an item straight from the database.
func itemState(t *testing.T, id string) domain.ItemState {
	t.Helper()

	var state string
	err := testDB.QueryRow(context.Background(),
		"SELECT state FROM queue_items WHERE id = $1", id).Scan(&state)
	require.NoError(t, err)
	return domain.ItemState(state)
}

// setItemState forces an item into a state, bypassing the state machine.
func setItemState(t *testing.T, id string, state domain.ItemState) {
	t.Helper()

	_, err := testDB.Exec(context.Background(),
		"UPDATE queue_items SET state = $1, updated_at = now() WHERE id = $2", string(state), id)
	require.NoError(t, err)
}

// uniqueAccount returns an account ID unique to the test, so rate-limit
// windows do not leak between tests.
func uniqueAccount(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("acc-%s-%d", t.Name(), time.Now().UnixNano())
}
