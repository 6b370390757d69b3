package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"escrowd/core"
	"escrowd/storage"
)

const (
	testAuthToken = "rpc-test-token"
	testNow       = int64(1_700_000_000)
)

type testEnv struct {
	server *Server
	node   *core.Node
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	node, err := core.NewNode(storage.NewMemDB())
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	node.SetNowFunc(func() int64 { return testNow })
	server := NewServer(node)
	server.SetAuthToken(testAuthToken)
	return &testEnv{server: server, node: node}
}

func marshalParam(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal param: %v", err)
	}
	return raw
}

// call posts a full JSON-RPC request through the HTTP handler stack.
func (env *testEnv) call(t *testing.T, method string, params interface{}, authed bool) (json.RawMessage, *RPCError, int) {
	t.Helper()
	reqBody := map[string]interface{}{
		"jsonrpc": jsonRPCVersion,
		"id":      1,
		"method":  method,
	}
	if params != nil {
		reqBody["params"] = []interface{}{params}
	} else {
		reqBody["params"] = []interface{}{}
	}
	encoded, err := json.Marshal(reqBody)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(encoded))
	if authed {
		httpReq.Header.Set("Authorization", "Bearer "+testAuthToken)
	}
	recorder := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(recorder, httpReq)

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return resp.Result, resp.Error, recorder.Code
}

func (env *testEnv) mustResult(t *testing.T, method string, params interface{}, out interface{}) {
	t.Helper()
	result, rpcErr, _ := env.call(t, method, params, true)
	if rpcErr != nil {
		t.Fatalf("%s: unexpected error %+v", method, rpcErr)
	}
	if out != nil {
		if err := json.Unmarshal(result, out); err != nil {
			t.Fatalf("%s: decode result: %v", method, err)
		}
	}
}

func decodeRPCResponse(t *testing.T, recorder *httptest.ResponseRecorder) (json.RawMessage, *RPCError) {
	t.Helper()
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return resp.Result, resp.Error
}
