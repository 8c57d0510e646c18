//go:build e2e_vm

// Package e2e drives the zmt binary through full backup, verify and restore
// cycles inside a ZFS-capable VM. The suite expects a multipass VM named
// zmt-test-vm with a zpool called testpool and MinIO listening on
// 127.0.0.1:9000 (alias myminio, credentials admin/password), and stays
// behind a build tag so plain go test never needs one.
package e2e

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	vmName     = "zmt-test-vm"
	remoteBin  = "/tmp/zmt"
	configPath = "/tmp/zmt_e2e.yaml"

	minioEndpoint  = "http://127.0.0.1:9000"
	minioAccessKey = "admin"
	minioSecretKey = "password"
	minioBucket    = "zmt-test"
)

type vm struct {
	name string
}

func newVM() *vm {
	return &vm{name: vmName}
}

func (v *vm) execWithTimeout(command string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "multipass", "exec", v.name, "--", "bash", "-lc", command)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func (v *vm) exec(command string) (string, error) {
	return v.execWithTimeout(command, 2*time.Minute)
}

func (v *vm) mustExec(t *testing.T, command string) string {
	t.Helper()
	out, err := v.exec(command)
	require.NoError(t, err, "command failed: %s\noutput: %s", command, out)
	return out
}

func (v *vm) execSudo(command string) (string, error) {
	return v.exec("sudo " + command)
}

func (v *vm) mustExecSudo(t *testing.T, command string) string {
	t.Helper()
	out, err := v.execSudo(command)
	require.NoError(t, err, "sudo command failed: %s\noutput: %s", command, out)
	return out
}

func (v *vm) isReachable() bool {
	_, err := v.exec("echo ok")
	return err == nil
}

// zmt runs the transferred binary with sudo, since zfs send and receive
// need root on the VM.
func (v *vm) zmt(args string) (string, error) {
	return v.execWithTimeout(fmt.Sprintf("sudo %s %s", remoteBin, args), 5*time.Minute)
}

func (v *vm) mustZmt(t *testing.T, args string) string {
	t.Helper()
	out, err := v.zmt(args)
	require.NoError(t, err, "zmt command failed: %s\noutput: %s", args, out)
	return out
}

// zmtWithS3 additionally exports the MinIO credentials the S3 sink reads
// from the environment.
func (v *vm) zmtWithS3(args string) (string, error) {
	command := fmt.Sprintf("AWS_ACCESS_KEY_ID=%s AWS_SECRET_ACCESS_KEY=%s sudo -E %s %s",
		minioAccessKey, minioSecretKey, remoteBin, args)
	return v.execWithTimeout(command, 5*time.Minute)
}

func (v *vm) mustZmtWithS3(t *testing.T, args string) string {
	t.Helper()
	out, err := v.zmtWithS3(args)
	require.NoError(t, err, "zmt command failed: %s\noutput: %s", args, out)
	return out
}

func (v *vm) transfer(localPath, remotePath string) error {
	cmd := exec.Command("multipass", "transfer", localPath, fmt.Sprintf("%s:%s", v.name, remotePath))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("transfer failed: %w\noutput: %s", err, string(out))
	}
	return nil
}

func (v *vm) writeFile(t *testing.T, remotePath, content string) {
	t.Helper()
	tmp, err := os.CreateTemp("", "zmt-e2e-*")
	require.NoError(t, err)
	defer os.Remove(tmp.Name())

	_, err = tmp.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	require.NoError(t, v.transfer(tmp.Name(), remotePath))
}

func buildBinary(t *testing.T) string {
	t.Helper()
	binary := "../../build/zmt_linux_arm64"

	cmd := exec.Command("go", "build", "-ldflags=-s -w", "-o", binary, "./../../cmd/zmt")
	cmd.Env = append(os.Environ(), "GOOS=linux", "GOARCH=arm64")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "build failed: %s", string(out))
	return binary
}

func buildAndTransfer(t *testing.T, v *vm) {
	t.Helper()
	binary := buildBinary(t)
	require.NoError(t, v.transfer(binary, remoteBin))
	v.mustExecSudo(t, "chmod +x "+remoteBin)
}

// extractJSON extracts the JSON object from mixed output (slog lines plus
// the encoded listing).
func extractJSON(output string) string {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start >= 0 && end > start {
		return output[start : end+1]
	}
	return output
}

// localConfig builds a config with two local target groups.
func localConfig(stateDir, bakA, bakB, dataset string) string {
	return fmt.Sprintf(`state_dir: %s
snapshot_prefix: zmt
include_intermediate: true
parallelism: 2
target_groups:
  - name: alpha
    paths: [%s]
  - name: beta
    paths: [%s]
sources:
  - name: main
    datasets: [%s]
    target_groups: [alpha, beta]
`, stateDir, bakA, bakB, dataset)
}

// mixedConfig builds a config with one local group and one MinIO-backed
// group, encrypting with the given age recipient.
func mixedConfig(stateDir, bak, dataset, recipient string) string {
	return fmt.Sprintf(`state_dir: %s
snapshot_prefix: zmt
include_intermediate: true
parallelism: 2
age_recipient: %s
s3:
  bucket: %s
  region: us-east-1
  endpoint: %s
  retry:
    max_attempts: 3
target_groups:
  - name: disk
    paths: [%s]
  - name: offsite
    s3_prefix: e2e/
sources:
  - name: main
    datasets: [%s]
    target_groups: [disk, offsite]
`, stateDir, recipient, minioBucket, minioEndpoint, bak, dataset)
}

// listOutput mirrors the JSON the list command emits.
type listOutput struct {
	Rows []struct {
		Dataset        string `json:"dataset"`
		TargetGroup    string `json:"target_group"`
		Sink           string `json:"sink"`
		LatestComplete uint64 `json:"latest_complete"`
		NewestRecorded uint64 `json:"newest_recorded"`
		Lag            uint64 `json:"lag"`
		Failed         int    `json:"failed"`
		Missing        int    `json:"missing"`
		State          string `json:"state"`
	} `json:"rows"`
	Summary struct {
		Datasets uint `json:"datasets"`
		Sinks    uint `json:"sinks"`
		UpToDate uint `json:"up_to_date"`
		Behind   uint `json:"behind"`
		Degraded uint `json:"degraded"`
	} `json:"summary"`
}
