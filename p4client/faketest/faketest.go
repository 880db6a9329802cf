// Package faketest is an in-memory p4client.Client used by unit tests
// across the core packages, standing in for a live p4d.
package faketest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rcowham/gitp4fusion/p4client"
)

// Client is a minimal, concurrency-safe, in-memory depot stand-in.
type Client struct {
	mu sync.Mutex

	counters map[string]string
	specs    map[string]*p4client.Spec // key: type + "/" + name
	files    map[string]string         // depotPathRev -> content
	changes  map[int]*pendingChange
	nextChg  int
	filelog  map[string][]Result // depotFile -> revisions, newest last

	submitted map[int]*submittedChange // seeded "changes"/"describe" query data
}

// DescribeFile is one file row of a seeded submitted changelist's describe
// output, for tests driving p2g's changelist-walk.
type DescribeFile struct {
	DepotFile string
	Rev       int
	Action    string
	Type      string
}

type submittedChange struct {
	user  string
	time  string
	desc  string
	files []DescribeFile
}

type pendingChange struct {
	client      string
	description string
	submitted   bool
	owner       string
}

// Result is a re-export convenience alias for readability in this file.
type Result = p4client.Result

// New returns an empty fake depot.
func New() *Client {
	return &Client{
		counters: map[string]string{},
		specs:    map[string]*p4client.Spec{},
		files:    map[string]string{},
		changes:  map[int]*pendingChange{},
		filelog:  map[string][]Result{},
		nextChg:  1,

		submitted: map[int]*submittedChange{},
	}
}

// SeedChange registers a submitted changelist's describe-queryable
// metadata (user, time, description, touched files), the data p2g's
// "changes"/"describe" queries walk.
func (c *Client) SeedChange(number int, user, desc string, unixTime int, files []DescribeFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted[number] = &submittedChange{
		user: user, time: strconv.Itoa(unixTime), desc: desc, files: files,
	}
}

// SeedFile directly sets depot file content at a path#rev, bypassing the
// submit flow, useful for arranging "pre-existing depot state" in tests.
func (c *Client) SeedFile(depotPath string, rev int, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[fmt.Sprintf("%s#%d", depotPath, rev)] = content
}

// Put stages depot content at path as revision #1, the seam mirror.Write and
// mirror.RecordCommit use to actually persist staged object/index bytes
// ahead of a later Submit.
func (c *Client) Put(ctx context.Context, path string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[fmt.Sprintf("%s#1", path)] = string(data)
	return nil
}

func (c *Client) Run(ctx context.Context, args ...string) ([]p4client.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(args) == 0 {
		return nil, fmt.Errorf("faketest: empty command")
	}
	switch args[0] {
	case "changes":
		var limit int
		var path string
		for i := 1; i < len(args); i++ {
			switch args[i] {
			case "-m":
				i++
				if i < len(args) {
					limit, _ = strconv.Atoi(args[i])
				}
			case "-s":
				i++ // skip the status value, e.g. "submitted"; faketest only tracks submitted changes
			default:
				path = args[i]
			}
		}
		prefix := strings.TrimSuffix(path, "...")
		var nums []int
		for n, sc := range c.submitted {
			for _, f := range sc.files {
				if strings.HasPrefix(f.DepotFile, prefix) {
					nums = append(nums, n)
					break
				}
			}
		}
		sort.Sort(sort.Reverse(sort.IntSlice(nums)))
		if limit > 0 && len(nums) > limit {
			nums = nums[:limit]
		}
		out := make([]Result, 0, len(nums))
		for _, n := range nums {
			out = append(out, Result{"change": strconv.Itoa(n)})
		}
		return out, nil

	case "describe":
		if len(args) < 2 {
			return nil, fmt.Errorf("faketest: describe requires a changelist number")
		}
		n, err := strconv.Atoi(args[len(args)-1])
		if err != nil {
			return nil, fmt.Errorf("faketest: describe: %w", err)
		}
		sc, ok := c.submitted[n]
		if !ok {
			return nil, fmt.Errorf("faketest: no such submitted change %d", n)
		}
		row := Result{"user": sc.user, "time": sc.time, "desc": sc.desc}
		for i, f := range sc.files {
			row[fmt.Sprintf("depotFile%d", i)] = f.DepotFile
			row[fmt.Sprintf("rev%d", i)] = strconv.Itoa(f.Rev)
			row[fmt.Sprintf("action%d", i)] = f.Action
			row[fmt.Sprintf("type%d", i)] = f.Type
		}
		return []Result{row}, nil

	case "filelog":
		if len(args) < 2 {
			return nil, fmt.Errorf("faketest: filelog requires a path")
		}
		return append([]Result(nil), c.filelog[args[1]]...), nil
	case "reviews":
		var out []Result
		for user, spec := range c.specs {
			if !strings.HasPrefix(user, "user/") {
				continue
			}
			reviews := spec.Fields["Reviews"]
			if reviews == "" {
				continue
			}
			if reviewsIntersect(reviews, args[1:]) {
				out = append(out, Result{"user": strings.TrimPrefix(user, "user/")})
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i]["user"] < out[j]["user"] })
		return out, nil
	case "files":
		if len(args) < 2 {
			return nil, fmt.Errorf("faketest: files requires a path")
		}
		prefix := strings.TrimSuffix(args[1], "...")
		var out []Result
		seen := map[string]bool{}
		for key := range c.files {
			depotFile := key[:strings.LastIndex(key, "#")]
			if strings.HasPrefix(depotFile, prefix) && !seen[depotFile] {
				seen[depotFile] = true
				out = append(out, Result{"depotFile": depotFile})
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i]["depotFile"] < out[j]["depotFile"] })
		return out, nil
	default:
		return nil, nil
	}
}

// reviewsIntersect reports whether any line of a Reviews field (paths and
// BEGIN/END bracket markers mixed in) overlaps any of the query patterns,
// treating a trailing "..." as a prefix wildcard.
func reviewsIntersect(reviewsField string, patterns []string) bool {
	for _, line := range strings.Split(reviewsField, "\n") {
		if line == "" || strings.HasPrefix(line, "//GF-") {
			continue
		}
		linePrefix := strings.TrimSuffix(line, "...")
		for _, p := range patterns {
			pPrefix := strings.TrimSuffix(p, "...")
			if strings.HasPrefix(line, pPrefix) || strings.HasPrefix(p, linePrefix) {
				return true
			}
		}
	}
	return false
}

// AddFilelogEntry registers a synthetic filelog row for a depot path, used
// by P2G/G2P tests that need to drive integration-source discovery.
func (c *Client) AddFilelogEntry(depotPath string, row Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filelog[depotPath] = append(c.filelog[depotPath], row)
}

// Print fetches depotPathRev's content. If depotPathRev has no "#rev"
// suffix, the highest seeded revision is returned, mirroring "p4 print"'s
// implicit #head.
func (c *Client) Print(ctx context.Context, depotPathRev string, w io.Writer, opts p4client.PrintOpts) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	content, ok := c.files[depotPathRev]
	if !ok && !strings.Contains(depotPathRev, "#") {
		best := -1
		for key, v := range c.files {
			idx := strings.LastIndex(key, "#")
			if idx < 0 || key[:idx] != depotPathRev {
				continue
			}
			rev, err := strconv.Atoi(key[idx+1:])
			if err == nil && rev > best {
				best = rev
				content = v
				ok = true
			}
		}
	}
	if !ok {
		return fmt.Errorf("faketest: no such file revision %q", depotPathRev)
	}
	_, err := io.WriteString(w, content)
	return err
}

func (c *Client) FetchSpec(ctx context.Context, specType, name string) (*p4client.Spec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := specType + "/" + name
	if s, ok := c.specs[key]; ok {
		cp := *s
		cp.Fields = cloneFields(s.Fields)
		return &cp, nil
	}
	return &p4client.Spec{Type: specType, Name: name, Fields: map[string]string{}}, nil
}

func (c *Client) SaveSpec(ctx context.Context, spec *p4client.Spec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := spec.Type + "/" + spec.Name
	cp := *spec
	cp.Fields = cloneFields(spec.Fields)
	c.specs[key] = &cp
	return nil
}

func cloneFields(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (c *Client) NewChange(ctx context.Context, client string, description string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.nextChg
	c.nextChg++
	c.changes[n] = &pendingChange{client: client, description: description}
	return n, nil
}

func (c *Client) UpdateChangeDesc(ctx context.Context, change int, description string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.changes[change]
	if !ok {
		return fmt.Errorf("faketest: no such pending change %d", change)
	}
	ch.description = description
	return nil
}

func (c *Client) Submit(ctx context.Context, change int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.changes[change]
	if !ok {
		return 0, fmt.Errorf("faketest: no such pending change %d", change)
	}
	ch.submitted = true
	return change, nil
}

func (c *Client) Revert(ctx context.Context, change int) error {
	return nil
}

func (c *Client) DeleteChange(ctx context.Context, change int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.changes, change)
	return nil
}

func (c *Client) ReownChange(ctx context.Context, change int, newOwner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.changes[change]
	if !ok {
		return fmt.Errorf("faketest: no such change %d", change)
	}
	ch.owner = newOwner
	return nil
}

func (c *Client) Counter(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name], nil
}

func (c *Client) SetCounter(ctx context.Context, name, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] = value
	return nil
}

func (c *Client) DeleteCounter(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counters, name)
	return nil
}

func (c *Client) IncrementCounter(ctx context.Context, name string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, _ := strconv.Atoi(c.counters[name])
	cur++
	c.counters[name] = strconv.Itoa(cur)
	return cur, nil
}

// CounterNames returns all set counter names, sorted - handy for assertions.
func (c *Client) CounterNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.counters))
	for k := range c.counters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var _ p4client.Client = (*Client)(nil)
