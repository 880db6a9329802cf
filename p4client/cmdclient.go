package p4client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// CmdClient is the production Client: it shells out to the "p4" command
// line binary, the same boundary the teacher's own tooling assumes is
// available on the machine running the importer (p4d is never talked to
// directly from Go).
type CmdClient struct {
	Port    string
	User    string
	Client  string
	Charset string
}

// NewCmdClient builds a Client that drives a real "p4" binary against
// port/user/client.
func NewCmdClient(port, user, client string) *CmdClient {
	return &CmdClient{Port: port, User: user, Client: client}
}

func (c *CmdClient) baseArgs() []string {
	args := []string{"-u", c.User, "-p", c.Port}
	if c.Client != "" {
		args = append(args, "-c", c.Client)
	}
	if c.Charset != "" {
		args = append(args, "-C", c.Charset)
	}
	return args
}

// Run executes a tagged command via "p4 -Mj", the line-delimited JSON
// machine output mode, and decodes each record into a Result.
func (c *CmdClient) Run(ctx context.Context, args ...string) ([]Result, error) {
	full := append(append(c.baseArgs(), "-Mj"), args...)
	cmd := exec.CommandContext(ctx, "p4", full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("p4 %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}

	var out []Result
	scanner := bufio.NewScanner(&stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw map[string]interface{}
		if err := json.Unmarshal(line, &raw); err != nil {
			return nil, fmt.Errorf("p4 %s: decoding record: %w", strings.Join(args, " "), err)
		}
		r := make(Result, len(raw))
		for k, v := range raw {
			r[k] = stringify(v)
		}
		if sev := r["code"]; sev == "error" {
			return nil, fmt.Errorf("p4 %s: %s", strings.Join(args, " "), r["data"])
		}
		out = append(out, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("p4 %s: reading output: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Print streams depotPathRev's content via "p4 print".
func (c *CmdClient) Print(ctx context.Context, depotPathRev string, w io.Writer, opts PrintOpts) error {
	args := append(c.baseArgs(), "print", "-q")
	if opts.SuppressKeywords {
		args = append(args, "-k")
	}
	args = append(args, depotPathRev)
	cmd := exec.CommandContext(ctx, "p4", args...)
	cmd.Stdout = w
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("p4 print %s: %w: %s", depotPathRev, err, stderr.String())
	}
	return nil
}

// FetchSpec retrieves a spec via "p4 <type> -o [name]".
func (c *CmdClient) FetchSpec(ctx context.Context, specType, name string) (*Spec, error) {
	args := []string{specType, "-o"}
	if name != "" {
		args = append(args, name)
	}
	results, err := c.Run(ctx, args...)
	if err != nil {
		return nil, err
	}
	fields := map[string]string{}
	if len(results) > 0 {
		fields = results[0]
	}
	return &Spec{Type: specType, Name: name, Fields: fields}, nil
}

// SaveSpec writes a spec via "p4 <type> -i", feeding it a form on stdin.
func (c *CmdClient) SaveSpec(ctx context.Context, spec *Spec) error {
	args := append(c.baseArgs(), spec.Type, "-i")
	cmd := exec.CommandContext(ctx, "p4", args...)
	cmd.Stdin = strings.NewReader(encodeForm(spec.Fields))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("p4 %s -i: %w: %s", spec.Type, err, stderr.String())
	}
	return nil
}

func encodeForm(fields map[string]string) string {
	var b strings.Builder
	for k, v := range fields {
		fmt.Fprintf(&b, "%s:\n\t%s\n\n", k, strings.ReplaceAll(v, "\n", "\n\t"))
	}
	return b.String()
}

// NewChange opens a pending changelist via "p4 change -i".
func (c *CmdClient) NewChange(ctx context.Context, client string, description string) (int, error) {
	form := fmt.Sprintf("Change: new\nClient: %s\nDescription:\n\t%s\n",
		client, strings.ReplaceAll(description, "\n", "\n\t"))
	args := append(c.baseArgs(), "change", "-i")
	cmd := exec.CommandContext(ctx, "p4", args...)
	cmd.Stdin = strings.NewReader(form)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("p4 change -i: %w", err)
	}
	return parseChangeNumber(string(out))
}

func parseChangeNumber(out string) (int, error) {
	fields := strings.Fields(out)
	for i, f := range fields {
		if f == "Change" && i+1 < len(fields) {
			return strconv.Atoi(fields[i+1])
		}
	}
	return 0, fmt.Errorf("p4client: could not parse change number from %q", out)
}

// UpdateChangeDesc rewrites a pending changelist's description.
func (c *CmdClient) UpdateChangeDesc(ctx context.Context, change int, description string) error {
	spec, err := c.FetchSpec(ctx, "change", strconv.Itoa(change))
	if err != nil {
		return err
	}
	spec.Fields["Description"] = description
	return c.SaveSpec(ctx, spec)
}

// Submit submits a pending changelist via "p4 submit -c <n>".
func (c *CmdClient) Submit(ctx context.Context, change int) (int, error) {
	results, err := c.Run(ctx, "submit", "-c", strconv.Itoa(change))
	if err != nil {
		return 0, err
	}
	for _, r := range results {
		if n, ok := r["submittedChange"]; ok {
			return strconv.Atoi(n)
		}
	}
	return change, nil
}

// Revert reverts all open files in change via "p4 revert -c <n> //...".
func (c *CmdClient) Revert(ctx context.Context, change int) error {
	_, err := c.Run(ctx, "revert", "-c", strconv.Itoa(change), "//...")
	return err
}

// DeleteChange deletes an empty pending changelist.
func (c *CmdClient) DeleteChange(ctx context.Context, change int) error {
	_, err := c.Run(ctx, "change", "-d", strconv.Itoa(change))
	return err
}

// ReownChange reassigns a submitted changelist's owner via "p4 change -f".
func (c *CmdClient) ReownChange(ctx context.Context, change int, newOwner string) error {
	spec, err := c.FetchSpec(ctx, "change", strconv.Itoa(change))
	if err != nil {
		return err
	}
	spec.Fields["User"] = newOwner
	args := append(c.baseArgs(), "change", "-f", "-i")
	cmd := exec.CommandContext(ctx, "p4", args...)
	cmd.Stdin = strings.NewReader(encodeForm(spec.Fields))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("p4 change -f -i: %w: %s", err, stderr.String())
	}
	return nil
}

// Counter reads a depot counter via "p4 counter -o <name>" style -Mj output.
func (c *CmdClient) Counter(ctx context.Context, name string) (string, error) {
	results, err := c.Run(ctx, "counter", name)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}
	return results[0]["value"], nil
}

// SetCounter sets a depot counter via "p4 counter <name> <value>".
func (c *CmdClient) SetCounter(ctx context.Context, name, value string) error {
	_, err := c.Run(ctx, "counter", name, value)
	return err
}

// DeleteCounter removes a depot counter via "p4 counter -d <name>".
func (c *CmdClient) DeleteCounter(ctx context.Context, name string) error {
	_, err := c.Run(ctx, "counter", "-d", name)
	return err
}

// IncrementCounter atomically increments a counter via "p4 counter -i <name>".
func (c *CmdClient) IncrementCounter(ctx context.Context, name string) (int, error) {
	results, err := c.Run(ctx, "counter", "-i", name)
	if err != nil {
		return 0, err
	}
	for _, r := range results {
		if v, ok := r["value"]; ok {
			return strconv.Atoi(v)
		}
	}
	return 0, fmt.Errorf("p4client: increment counter %s: no value in output", name)
}

var _ Client = (*CmdClient)(nil)
