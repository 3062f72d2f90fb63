package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/maxpert/batchapply/batch"
	"github.com/rs/zerolog/log"
)

const maxStderr = 4096

// ScriptLoader runs an executable once per phase as
//
//	<script> <phase> [artifact]
//
// with the transaction and artifact described in BATCH_* environment
// variables. A non-zero exit fails the phase.
type ScriptLoader struct {
	script     string
	timeout    time.Duration
	service    string
	stagingDir string
}

// NewScriptLoader checks the script exists and is executable
func NewScriptLoader(c LoaderConfig) (*ScriptLoader, error) {
	if c.Script == "" {
		return nil, fmt.Errorf("script loader requires a script path")
	}
	// The script runs inside the staging dir, so relative paths are pinned
	// to the working directory now.
	script, err := filepath.Abs(c.Script)
	if err != nil {
		return nil, fmt.Errorf("load script: %w", err)
	}
	st, err := os.Stat(script)
	if err != nil {
		return nil, fmt.Errorf("load script: %w", err)
	}
	if st.IsDir() || st.Mode().Perm()&0111 == 0 {
		return nil, fmt.Errorf("load script %s is not executable", c.Script)
	}

	stagingDir := c.StagingDir
	if stagingDir != "" {
		if stagingDir, err = filepath.Abs(stagingDir); err != nil {
			return nil, fmt.Errorf("staging dir: %w", err)
		}
	}

	timeout := time.Duration(c.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Minute
	}

	return &ScriptLoader{
		script:     script,
		timeout:    timeout,
		service:    c.Service,
		stagingDir: stagingDir,
	}, nil
}

func (s *ScriptLoader) Prepare(ctx context.Context) error {
	return s.run(ctx, PhasePrepare, nil, nil)
}

func (s *ScriptLoader) Begin(ctx context.Context, txn Txn) error {
	return s.run(ctx, PhaseBegin, &txn, nil)
}

func (s *ScriptLoader) Apply(ctx context.Context, txn Txn, artifact batch.Artifact) error {
	return s.run(ctx, PhaseApply, &txn, &artifact)
}

func (s *ScriptLoader) Commit(ctx context.Context, txn Txn) error {
	return s.run(ctx, PhaseCommit, &txn, nil)
}

func (s *ScriptLoader) Release(ctx context.Context) error {
	return s.run(ctx, PhaseRelease, nil, nil)
}

func (s *ScriptLoader) run(ctx context.Context, phase Phase, txn *Txn, artifact *batch.Artifact) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := []string{string(phase)}
	if artifact != nil {
		args = append(args, artifact.Path)
	}

	cmd := exec.CommandContext(ctx, s.script, args...)
	cmd.Env = append(os.Environ(), s.env(phase, txn, artifact)...)
	if s.stagingDir != "" {
		cmd.Dir = s.stagingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	logEvent := log.Debug()
	if err != nil {
		logEvent = log.Warn().Err(err)
	}
	logEvent.
		Str("script", s.script).
		Str("phase", string(phase)).
		Dur("duration", time.Since(start)).
		Str("stdout", tail(stdout.String())).
		Msg("Load script finished")

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("load script timed out after %s", s.timeout)
		}
		if msg := tail(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

func (s *ScriptLoader) env(phase Phase, txn *Txn, artifact *batch.Artifact) []string {
	env := []string{
		"BATCH_PHASE=" + string(phase),
		"BATCH_SERVICE=" + s.service,
		"BATCH_STAGING_DIR=" + s.stagingDir,
	}
	if txn != nil {
		env = append(env,
			"BATCH_SEQNO="+strconv.FormatInt(txn.Seqno, 10),
			"BATCH_EPOCH="+strconv.FormatInt(txn.Epoch, 10),
			"BATCH_COMMIT_TIME="+txn.CommitTime.UTC().Format(time.RFC3339Nano),
		)
	}
	if artifact != nil {
		env = append(env,
			"BATCH_ARTIFACT="+artifact.Path,
			"BATCH_SCHEMA="+artifact.Schema,
			"BATCH_TABLE="+artifact.Table,
			"BATCH_PARTITION="+artifact.Partition,
			"BATCH_COLUMNS="+strings.Join(artifact.Columns, ","),
			"BATCH_ROWS="+strconv.Itoa(artifact.Rows),
			"BATCH_CHECKSUM="+strconv.FormatUint(artifact.Checksum, 16),
		)
	}
	return env
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		return s[len(s)-maxStderr:]
	}
	return s
}
