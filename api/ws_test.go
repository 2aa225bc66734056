package api

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/runtime/stream"
)

// dial opens a websocket against the fixture server.
func (f *apiFixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wsEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg wsEnvelope
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestExecutionSocketReplaysThenStreams(t *testing.T) {
	f := newAPIFixture(t)
	_, created := f.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"name":       "watched",
		"definition": definitionBody(),
	})
	id := created["id"].(string)
	_, exec := f.do(t, http.MethodPost, "/api/workflows/"+id+"/test", nil)
	execID := exec["id"].(string)

	conn := f.dial(t, "/api/executions/"+execID+"/ws")

	state := readEnvelope(t, conn)
	assert.Equal(t, "execution:state", state.Type)
	assert.Equal(t, execID, state.ExecutionID)

	require.NoError(t, f.hub.Send(context.Background(), stream.NewStepStart(execID, stream.StepStartPayload{
		NodeID:   "n2",
		NodeType: "transform",
	})))
	live := readEnvelope(t, conn)
	assert.Equal(t, "step:start", live.Type)
	assert.Equal(t, execID, live.ExecutionID)
}

func TestSocketJoinLeaveProtocol(t *testing.T) {
	f := newAPIFixture(t)
	_, created := f.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"name":       "rooms",
		"definition": definitionBody(),
	})
	id := created["id"].(string)
	_, exec := f.do(t, http.MethodPost, "/api/workflows/"+id+"/test", nil)
	execID := exec["id"].(string)

	conn := f.dial(t, "/api/ws")
	require.NoError(t, conn.WriteJSON(wsEnvelope{Type: "join", ExecutionID: execID}))
	state := readEnvelope(t, conn)
	assert.Equal(t, "execution:state", state.Type)

	// Joining twice replays again without breaking the live feed.
	require.NoError(t, conn.WriteJSON(wsEnvelope{Type: "join", ExecutionID: execID}))
	again := readEnvelope(t, conn)
	assert.Equal(t, "execution:state", again.Type)

	require.NoError(t, f.hub.Send(context.Background(), stream.NewExecutionComplete(execID, stream.ExecutionCompletePayload{
		Status: "SUCCESS",
	})))
	live := readEnvelope(t, conn)
	assert.Equal(t, "execution:complete", live.Type)
}

func TestSocketJoinUnknownExecution(t *testing.T) {
	f := newAPIFixture(t)
	conn := f.dial(t, "/api/ws")
	require.NoError(t, conn.WriteJSON(wsEnvelope{Type: "join", ExecutionID: "ghost"}))
	msg := readEnvelope(t, conn)
	assert.Equal(t, "error", msg.Type)
}
