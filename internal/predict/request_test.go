package predict

import (
	"strings"
	"testing"

	"github.com/geodrift/tilecast/internal/geo"
)

func jobRegion(rows, cols int) geo.Region {
	return geo.Region{North: float64(rows), South: 0, East: float64(cols), West: 0, NSRes: 1, EWRes: 1}
}

func validRequest() Request {
	return Request{
		Group:     "features",
		ModelPath: "/models/rf.gz",
		Output:    "out_1",
		ChunkSize: 100000,
		Region:    jobRegion(100, 100),
		Workspace: "tmp_out_tile_1",
	}
}

func TestEffectiveChunk(t *testing.T) {
	tests := []struct {
		name  string
		chunk int
		cols  int
		want  int
	}{
		{"exact multiple", 1000, 100, 1000},
		{"rounds down to whole rows", 1050, 100, 1000},
		{"smaller than one row clamps to one row", 40, 100, 100},
		{"single column", 7, 1, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			req.ChunkSize = tt.chunk
			req.Region = jobRegion(200, tt.cols)
			if got := req.EffectiveChunk(); got != tt.want {
				t.Errorf("EffectiveChunk() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Request)
		wantErr bool
	}{
		{"valid", func(r *Request) {}, false},
		{"missing group", func(r *Request) { r.Group = "" }, true},
		{"missing model", func(r *Request) { r.ModelPath = "" }, true},
		{"missing output", func(r *Request) { r.Output = "" }, true},
		{"missing workspace", func(r *Request) { r.Workspace = "" }, true},
		{"zero chunk", func(r *Request) { r.ChunkSize = 0 }, true},
		{"bad region", func(r *Request) { r.Region.NSRes = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			err := req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequestArgs(t *testing.T) {
	req := validRequest()
	req.Flags = Flags{Probabilities: true}

	args := req.Args()
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"group=features",
		"load_model=/models/rf.gz",
		"output=out_1",
		"chunksize=100000",
		"-p",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}
	if strings.Contains(joined, "-z") {
		t.Errorf("-z must not appear without ProbabilityOnly: %v", args)
	}
}

func TestWorkerErrorUnwrap(t *testing.T) {
	cause := &SwitchErrorStub{}
	err := &WorkerError{Cell: 4, Err: cause}
	if !strings.Contains(err.Error(), "cell 4") {
		t.Errorf("WorkerError message lost the cell id: %q", err.Error())
	}
	if err.Unwrap() != cause {
		t.Error("Unwrap must return the cause")
	}
}

// SwitchErrorStub stands in for any wrapped cause.
type SwitchErrorStub struct{}

func (*SwitchErrorStub) Error() string { return "stub" }
