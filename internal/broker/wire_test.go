package broker

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestForkReplyRoundTrip(t *testing.T) {
	reply, err := EncodeForkReply(4242, "")
	if err != nil {
		t.Fatalf("EncodeForkReply: %v", err)
	}
	if len(reply) > maxFrameBytes {
		t.Errorf("reply exceeds frame limit: %d bytes", len(reply))
	}

	var gotPID int32
	if err := binary.Read(bytes.NewReader(reply[:4]), binary.LittleEndian, &gotPID); err != nil {
		t.Fatalf("decoding pid: %v", err)
	}
	if gotPID != 4242 {
		t.Errorf("pid = %d, want 4242", gotPID)
	}
}

func TestParseForkRequest(t *testing.T) {
	var buf bytes.Buffer
	writeString(&buf, "renderer")
	writeU32(&buf, 2)
	writeString(&buf, "/proc/self/exe")
	writeString(&buf, "--type=renderer")
	writeU32(&buf, 0) // no tz hint
	writeU32(&buf, 1) // one fd key
	writeU32(&buf, 1) // key=1 -> target 4

	req, err := ParseForkRequest(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseForkRequest: %v", err)
	}
	if req.ProcessType != "renderer" {
		t.Errorf("ProcessType = %q, want renderer", req.ProcessType)
	}
	if len(req.Argv) != 2 || req.Argv[0] != "/proc/self/exe" {
		t.Errorf("Argv = %v", req.Argv)
	}
	if len(req.FDKeys) != 1 || req.FDKeys[0] != 1 {
		t.Errorf("FDKeys = %v", req.FDKeys)
	}
	if got := ResolveFDTarget(req.FDKeys[0]); got != 4 {
		t.Errorf("ResolveFDTarget(1) = %d, want 4", got)
	}
}

func TestMapWStatus(t *testing.T) {
	cases := []struct {
		name      string
		knownDead bool
		exited    bool
		exitCode  int
		signaled  bool
		signal    int
		want      StatusTag
	}{
		{"normal exit", true, true, 0, false, 0, Normal},
		{"exit code treated as signal 9", true, true, 137, false, 0, Killed},
		{"abnormal exit", true, true, 3, false, 0, Abnormal},
		{"signalled segv", true, false, 0, true, 11, Crashed},
		{"still running", false, false, 0, false, 0, Running},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := MapWStatus(c.knownDead, c.exited, c.exitCode, c.signaled, c.signal)
			if got != c.want {
				t.Errorf("MapWStatus(...) = %v, want %v", got, c.want)
			}
		})
	}
}
