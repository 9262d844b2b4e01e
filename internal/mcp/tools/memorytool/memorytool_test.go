package memorytool

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/flowexec/pkg/apierr"
	"github.com/MrWong99/flowexec/pkg/memory"
	"github.com/MrWong99/flowexec/pkg/memory/mock"
	"github.com/MrWong99/flowexec/pkg/types"
)

func wfCtx() context.Context {
	return types.WithWorkflowID(context.Background(), "wf-1")
}

func TestNewToolsDefinitions(t *testing.T) {
	t.Parallel()
	got := NewTools(mock.NewStore())
	if len(got) != 3 {
		t.Fatalf("NewTools returned %d tools, want 3", len(got))
	}
	for i, name := range []string{"memory_get", "memory_add", "memory_delete"} {
		def := got[i].Definition
		if def.Name != name {
			t.Errorf("tool %d = %q, want %q", i, def.Name, name)
		}
		if def.Parameters["type"] != "object" {
			t.Errorf("%s parameters type = %v", name, def.Parameters["type"])
		}
	}

	req, _ := got[1].Definition.Parameters["required"].([]any)
	if len(req) != 2 {
		t.Errorf("memory_add required = %v, want key and data", req)
	}
}

func TestAddThenGet(t *testing.T) {
	t.Parallel()
	store := mock.NewStore()
	add, get := makeAddHandler(store), makeGetHandler(store)
	ctx := wfCtx()

	for _, content := range []string{"hi", "hello"} {
		if _, err := add(ctx, `{"key":"chat","data":{"role":"user","content":"`+content+`"}}`); err != nil {
			t.Fatalf("memory_add: %v", err)
		}
	}

	out, err := get(ctx, `{"key":"chat"}`)
	if err != nil {
		t.Fatalf("memory_get: %v", err)
	}
	var m memory.Memory
	if err := json.Unmarshal([]byte(out), &m); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if m.WorkflowID != "wf-1" || m.Type != memory.TypeAgent {
		t.Errorf("memory = %+v", m)
	}
	msgs, err := m.Messages()
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Content != "hello" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestGetListsWithoutKey(t *testing.T) {
	t.Parallel()
	store := mock.NewStore()
	ctx := wfCtx()
	for _, k := range []string{"a", "b"} {
		if _, err := store.Add(ctx, memory.Memory{WorkflowID: "wf-1", Key: k, Type: memory.TypeRaw, Data: json.RawMessage(`{"n":1}`)}); err != nil {
			t.Fatal(err)
		}
	}

	out, err := makeGetHandler(store)(ctx, "")
	if err != nil {
		t.Fatalf("memory_get: %v", err)
	}
	var list []memory.Memory
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("listed %d memories, want 2", len(list))
	}
	if store.CallCount("List") != 1 {
		t.Errorf("List calls = %d, want 1", store.CallCount("List"))
	}
}

func TestWorkflowIDFromArgsOnlyWithoutContext(t *testing.T) {
	t.Parallel()
	store := mock.NewStore()
	add := makeAddHandler(store)

	if _, err := add(context.Background(), `{"key":"k","type":"raw","data":1,"workflowId":"wf-arg"}`); err != nil {
		t.Fatalf("memory_add: %v", err)
	}
	if _, err := store.Get(context.Background(), "wf-arg", "k"); err != nil {
		t.Errorf("memory not stored under argument workflow: %v", err)
	}

	if _, err := add(wfCtx(), `{"key":"k2","type":"raw","data":2,"workflowId":"wf-arg"}`); err != nil {
		t.Fatalf("memory_add: %v", err)
	}
	if _, err := store.Get(context.Background(), "wf-1", "k2"); err != nil {
		t.Errorf("context workflow id not preferred: %v", err)
	}
}

func TestMissingWorkflowID(t *testing.T) {
	t.Parallel()
	_, err := makeGetHandler(mock.NewStore())(context.Background(), `{"key":"x"}`)
	var ve *apierr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()
	store := mock.NewStore()
	ctx := wfCtx()
	del := makeDeleteHandler(store)

	if _, err := store.Add(ctx, memory.Memory{WorkflowID: "wf-1", Key: "k", Type: memory.TypeRaw, Data: json.RawMessage(`"v"`)}); err != nil {
		t.Fatal(err)
	}
	out, err := del(ctx, `{"key":"k"}`)
	if err != nil {
		t.Fatalf("memory_delete: %v", err)
	}
	if !strings.Contains(out, "deleted") {
		t.Errorf("output = %s", out)
	}

	_, err = del(ctx, `{"key":"k"}`)
	var nf *apierr.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("second delete err = %v, want NotFoundError", err)
	}

	if _, err := del(ctx, `{}`); err == nil {
		t.Error("expected error for missing key")
	}
}

func TestHandlersRejectBadJSON(t *testing.T) {
	t.Parallel()
	store := mock.NewStore()
	for name, h := range map[string]func(context.Context, string) (string, error){
		"get":    makeGetHandler(store),
		"add":    makeAddHandler(store),
		"delete": makeDeleteHandler(store),
	} {
		if _, err := h(wfCtx(), "{not json"); err == nil {
			t.Errorf("%s: expected error for malformed args", name)
		}
	}
}

func TestAddPropagatesValidation(t *testing.T) {
	t.Parallel()
	_, err := makeAddHandler(mock.NewStore())(wfCtx(), `{"key":"chat","data":{"role":"robot","content":"x"}}`)
	var ve *apierr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}
