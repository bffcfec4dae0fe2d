package cliapp

import (
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/re-cinq/loom/internal/fsutil"
	"github.com/re-cinq/loom/internal/ipc"
)

// dial connects to the daemon's Unix socket for repoDir.
func dial(repoDir string) (net.Conn, error) {
	path := filepath.Join(fsutil.WorkDir(repoDir), "orchestrator.sock")
	conn, err := net.DialTimeout("unix", path, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon at %s: %w (is `loom run` running?)", path, err)
	}
	return conn, nil
}

// request sends req and reads exactly one response frame back, for the
// non-streaming Ping/Stop requests.
func request(repoDir string, req ipc.Request) (*ipc.Response, error) {
	conn, err := dial(repoDir)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := ipc.WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	var rsp ipc.Response
	if err := ipc.ReadFrame(conn, &rsp); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if rsp.Type == ipc.RspError {
		return &rsp, fmt.Errorf("%s: %s", rsp.ErrorKind, rsp.Message)
	}
	return &rsp, nil
}

// stream sends req and invokes fn for every response frame until the
// connection closes or fn returns false, for SubscribeStatus/Logs.
func stream(repoDir string, req ipc.Request, fn func(ipc.Response) bool) error {
	conn, err := dial(repoDir)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := ipc.WriteFrame(conn, req); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	for {
		var rsp ipc.Response
		if err := ipc.ReadFrame(conn, &rsp); err != nil {
			// Connection closed by the peer (daemon shutdown, or the
			// subscriber end of a Stop) is a normal end of stream here.
			return nil
		}
		if !fn(rsp) {
			return nil
		}
	}
}
