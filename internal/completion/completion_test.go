package completion

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestExtractObject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "plain", in: `{"draft":"hi"}`, want: `{"draft":"hi"}`},
		{name: "fenced", in: "```json\n{ \"draft\": \"hi\" }\n```", want: `{"draft":"hi"}`},
		{name: "prose", in: "Sure! {\"reply\": \"ok\"} Hope that helps.", want: `{"reply":"ok"}`},
		{name: "no object", in: "I cannot help with that.", wantErr: true},
		{name: "broken", in: `{"draft": }`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := extractObject(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedResponse) {
					t.Fatalf("expected ErrMalformedResponse, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("extractObject: %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRenderPromptIncludesInputs(t *testing.T) {
	t.Parallel()

	prompt, err := renderPrompt(Request{
		Task: TaskAlignmentAnalysis,
		Inputs: map[string]string{
			InputGuess:       "You felt ignored at work.",
			InputGroundTruth: "I am exhausted and nobody notices.",
		},
	})
	if err != nil {
		t.Fatalf("renderPrompt: %v", err)
	}
	if !strings.Contains(prompt, "You felt ignored at work.") || !strings.Contains(prompt, "nobody notices") {
		t.Fatalf("prompt missing inputs: %s", prompt)
	}
	if strings.Contains(prompt, "already chose to share") {
		t.Fatal("shared context section should be omitted when empty")
	}
}

func TestRenderPromptEveryTask(t *testing.T) {
	t.Parallel()

	for _, task := range []Task{TaskAlignmentAnalysis, TaskShareDraft, TaskFeedbackRewrite, TaskRefinementHelp} {
		if _, err := renderPrompt(Request{Task: task}); err != nil {
			t.Fatalf("%s: %v", task, err)
		}
	}
	if _, err := renderPrompt(Request{Task: "translate"}); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

const fixtureYAML = `
- task: alignment-analysis
  match: unappreciated
  response:
    score: 70
    gap_severity: moderate
    missed_feelings: [unappreciated]
    most_important_gap: Work stress and feeling unappreciated
    recommendation:
      action: OFFER_OPTIONAL
      rationale: partial overlap
      suggested_share_focus: Work stress and feeling unappreciated
- task: alignment-analysis
  response:
    score: 92
    gap_severity: none
    missed_feelings: []
    most_important_gap: ""
    recommendation:
      action: PROCEED
      rationale: close match
- task: share-draft
  response:
    draft: I have been carrying a lot at work lately.
`

func TestFixtureClientMatchesInOrder(t *testing.T) {
	t.Parallel()

	client, err := ParseFixtures([]byte(fixtureYAML))
	if err != nil {
		t.Fatalf("ParseFixtures: %v", err)
	}
	ctx := context.Background()

	raw, err := client.Complete(ctx, Request{
		Task:   TaskAlignmentAnalysis,
		Inputs: map[string]string{InputGroundTruth: "I feel Unappreciated at work"},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	var got struct {
		Score int `json:"score"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Score != 70 {
		t.Fatalf("expected matched fixture score 70, got %d", got.Score)
	}

	raw, err = client.Complete(ctx, Request{Task: TaskAlignmentAnalysis, Inputs: map[string]string{InputGroundTruth: "fine"}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Score != 92 {
		t.Fatalf("expected fallback fixture score 92, got %d", got.Score)
	}

	if _, err := client.Complete(ctx, Request{Task: TaskFeedbackRewrite}); err == nil {
		t.Fatal("expected error for task without fixture")
	}
}

func TestParseFixturesRejectsUnknownTask(t *testing.T) {
	t.Parallel()

	_, err := ParseFixtures([]byte("- task: summarize\n  response: {x: 1}\n"))
	if !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestStubRecordsCalls(t *testing.T) {
	t.Parallel()

	stub := NewStub().Respond(TaskShareDraft, map[string]string{"draft": "hello"})
	raw, err := stub.Complete(context.Background(), Request{Task: TaskShareDraft, Inputs: map[string]string{InputTopic: "work"}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if string(raw) != `{"draft":"hello"}` {
		t.Fatalf("unexpected response %s", raw)
	}
	if n := len(stub.Calls(TaskShareDraft)); n != 1 {
		t.Fatalf("expected 1 call, got %d", n)
	}
	if _, err := stub.Complete(context.Background(), Request{Task: TaskRefinementHelp}); err == nil {
		t.Fatal("expected error for unhandled task")
	}
}

// echoCompletionServer answers every Complete call with the task name and
// the number of inputs it received.
func echoCompletionServer(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	if method != completeMethod {
		return errors.New("unexpected method " + method)
	}
	in := &structpb.Struct{}
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	out, err := structpb.NewStruct(map[string]any{
		"task":   in.GetFields()["task"].GetStringValue(),
		"inputs": float64(len(in.GetFields()["inputs"].GetStructValue().GetFields())),
	})
	if err != nil {
		return err
	}
	return stream.SendMsg(out)
}

func TestGrpcClientCompleteRoundTrip(t *testing.T) {
	t.Parallel()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(echoCompletionServer))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	client := newGrpcClientWithConn(conn, "bufnet", 5*time.Second, nil)
	t.Cleanup(func() { _ = client.Close() })

	raw, err := client.Complete(context.Background(), Request{
		Task:   TaskShareDraft,
		Inputs: map[string]string{InputTopic: "work", InputGroundTruth: "tired"},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	var got struct {
		Task   string `json:"task"`
		Inputs int    `json:"inputs"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
	if got.Task != string(TaskShareDraft) || got.Inputs != 2 {
		t.Fatalf("unexpected echo: %+v", got)
	}

	if _, err := client.Complete(context.Background(), Request{Task: "bogus"}); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}
