// Package loadtest measures a shared record database under concurrent
// sessions.
//
// A fixture database is seeded with root collections, groups and projects.
// Simulated sessions then list group children the way tree expansion does,
// while a writer keeps uploading new projects, so listing latency and read
// consistency can be checked under contention.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iraspa/projectsync/internal/archive"
	"github.com/iraspa/projectsync/internal/cloud"
	"github.com/iraspa/projectsync/internal/cloud/sqlstore"
	"github.com/iraspa/projectsync/internal/operation"
	"github.com/iraspa/projectsync/internal/query"
)

// seedBatch bounds the records saved in one call while seeding.
const seedBatch = 100

// Fixture is a seeded record database.
type Fixture struct {
	Store      *sqlstore.Store
	RootIDs    []cloud.RecordID
	GroupIDs   []cloud.RecordID
	ProjectIDs []cloud.RecordID
	PageSize   int
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min           time.Duration
	Max           time.Duration
	Mean          time.Duration
	P50           time.Duration // Median
	P95           time.Duration
	P99           time.Duration
	TotalListings int
	Records       int
	Errors        int
	Durations     []time.Duration
}

// CreateFixture creates a database at path holding numRoots root
// collections with groupsPerRoot groups each, and numProjects projects
// spread evenly across the groups.
func CreateFixture(ctx context.Context, path string, numRoots, groupsPerRoot, numProjects int) (*Fixture, error) {
	if numRoots <= 0 || groupsPerRoot <= 0 {
		return nil, fmt.Errorf("need at least one root and one group per root")
	}
	cfg := sqlstore.DefaultConfig(path)
	store, err := sqlstore.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	f := &Fixture{Store: store, PageSize: cfg.PageSize}

	var records []*cloud.Record
	for i := range numRoots {
		id := cloud.RecordID(fmt.Sprintf("root-%02d", i))
		records = append(records, groupRecord(id, cloud.TypeRootNode, fmt.Sprintf("Collection %d", i), ""))
		f.RootIDs = append(f.RootIDs, id)
		for j := range groupsPerRoot {
			gid := cloud.RecordID(fmt.Sprintf("group-%02d-%02d", i, j))
			records = append(records, groupRecord(gid, cloud.TypeProjectNode, fmt.Sprintf("Group %d.%d", i, j), id))
			f.GroupIDs = append(f.GroupIDs, gid)
		}
	}
	if err := f.save(ctx, records, nil); err != nil {
		_ = store.Close()
		return nil, err
	}

	for start := 0; start < numProjects; start += seedBatch {
		records = records[:0]
		assets := make(map[cloud.RecordID][]byte)
		for i := start; i < min(start+seedBatch, numProjects); i++ {
			r, data, err := f.project(fmt.Sprintf("project-%05d", i), i)
			if err != nil {
				_ = store.Close()
				return nil, err
			}
			records = append(records, r)
			assets[r.ID] = data
			f.ProjectIDs = append(f.ProjectIDs, r.ID)
		}
		if err := f.save(ctx, records, assets); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	return f, nil
}

func groupRecord(id cloud.RecordID, typ, name string, parent cloud.RecordID) *cloud.Record {
	r := &cloud.Record{ID: id, Type: typ}
	r.Fields.Set(cloud.KeyDisplayName, name)
	r.Fields.Set(cloud.KeyType, cloud.NodeTypeGroup)
	if parent != "" {
		r.Fields.Set(cloud.KeyParent, cloud.Reference{ID: parent})
	}
	return r
}

// project builds the i-th project record, placed round robin in the
// fixture's groups.
func (f *Fixture) project(id string, i int) (*cloud.Record, []byte, error) {
	name := fmt.Sprintf("Structure %d", i)
	data, err := archive.EncodeBinary(&archive.Project{
		Name:       name,
		Structures: []archive.Structure{{Name: name, Positions: []archive.Vec3{{0, 0, 0}, {float64(i), 1, 1}}}},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode %s: %w", id, err)
	}
	r := &cloud.Record{ID: cloud.RecordID(id), Type: cloud.TypeProjectNode}
	r.Fields.Set(cloud.KeyDisplayName, name)
	r.Fields.Set(cloud.KeyType, cloud.NodeTypeStructure)
	r.Fields.Set(cloud.KeyParent, cloud.Reference{ID: f.GroupIDs[i%len(f.GroupIDs)]})
	return r, data, nil
}

func (f *Fixture) save(ctx context.Context, records []*cloud.Record, assets map[cloud.RecordID][]byte) error {
	_, failures, err := f.Store.SaveRecords(ctx, records, assets)
	if err != nil {
		return fmt.Errorf("failed to seed records: %w", err)
	}
	for id, ferr := range failures {
		return fmt.Errorf("failed to seed %s: %w", id, ferr)
	}
	return nil
}

// Close closes the fixture database.
func (f *Fixture) Close() error {
	if f.Store != nil {
		return f.Store.Close()
	}
	return nil
}

// ListChildren pages through the children of group and returns them.
func (f *Fixture) ListChildren(ctx context.Context, queue *operation.Queue, group cloud.RecordID) ([]*cloud.Record, error) {
	var children []*cloud.Record
	p := query.New("children of "+string(group), query.Config{
		Store:    f.Store,
		Query:    cloud.Query{RecordType: cloud.TypeProjectNode, Parent: &group, DesiredKeys: cloud.ChildKeys},
		PageSize: f.PageSize,
		OnRecord: func(r *cloud.Record) { children = append(children, r) },
	})
	queue.Add(p)
	if err := p.Wait(ctx); err != nil {
		return children, err
	}
	return children, nil
}

// RunConcurrentListings simulates numSessions sessions each expanding
// listingsPerSession randomly chosen groups.
func (f *Fixture) RunConcurrentListings(ctx context.Context, numSessions, listingsPerSession int) (*LatencyStats, error) {
	var mu sync.Mutex
	var all []time.Duration
	var records, errorCount int

	g, ctx := errgroup.WithContext(ctx)
	for i := range numSessions {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(42 + i)))
			queue := operation.NewQueue(operation.DefaultQueueConfig())
			durations := make([]time.Duration, 0, listingsPerSession)
			var n, failed int
			for range listingsPerSession {
				group := f.GroupIDs[rng.Intn(len(f.GroupIDs))]
				start := time.Now()
				children, err := f.ListChildren(ctx, queue, group)
				durations = append(durations, time.Since(start))
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					failed++
					continue
				}
				n += len(children)
			}
			mu.Lock()
			all = append(all, durations...)
			records += n
			errorCount += failed
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no listings completed")
	}

	stats := computeLatencyStats(all)
	stats.Records = records
	stats.Errors = errorCount
	return stats, nil
}

// VerifyConsistency runs numReaders sessions listing groups while a writer
// keeps adding projects, for the given duration. Every listed record must
// be a project of the listed group with a display name. It returns the
// number of projects the writer added.
func (f *Fixture) VerifyConsistency(ctx context.Context, numReaders int, duration time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	var written int
	g.Go(func() error {
		for i := len(f.ProjectIDs); ; i++ {
			if gctx.Err() != nil {
				return nil
			}
			r, data, err := f.project(fmt.Sprintf("added-%05d", i), i)
			if err != nil {
				return err
			}
			_, failures, err := f.Store.SaveRecords(gctx, []*cloud.Record{r}, map[cloud.RecordID][]byte{r.ID: data})
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("writer failed: %w", err)
			}
			if ferr := failures[r.ID]; ferr != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("writer failed on %s: %w", r.ID, ferr)
			}
			written++
			time.Sleep(time.Millisecond)
		}
	})

	for i := range numReaders {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(7 + i)))
			queue := operation.NewQueue(operation.DefaultQueueConfig())
			for gctx.Err() == nil {
				group := f.GroupIDs[rng.Intn(len(f.GroupIDs))]
				children, err := f.ListChildren(gctx, queue, group)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("reader %d failed: %w", i, err)
				}
				for _, r := range children {
					if r.DisplayName() == "" {
						return fmt.Errorf("reader %d found %s without a name", i, r.ID)
					}
					if parent, ok := r.Parent(); !ok || parent != group {
						return fmt.Errorf("reader %d found %s outside %s", i, r.ID, group)
					}
				}
				time.Sleep(time.Millisecond)
			}
			return nil
		})
	}

	err := g.Wait()
	return written, err
}

// Stats returns counts describing the fixture.
func (f *Fixture) Stats(ctx context.Context) (map[string]any, error) {
	projects, err := f.Store.Count(ctx, cloud.TypeProjectNode)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"roots":              len(f.RootIDs),
		"groups":             len(f.GroupIDs),
		"projects":           projects - len(f.GroupIDs),
		"projects_per_group": float64(projects-len(f.GroupIDs)) / float64(len(f.GroupIDs)),
	}, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:           sorted[0],
		Max:           sorted[len(sorted)-1],
		Mean:          sum / time.Duration(len(durations)),
		P50:           sorted[len(sorted)*50/100],
		P95:           sorted[len(sorted)*95/100],
		P99:           sorted[len(sorted)*99/100],
		TotalListings: len(durations),
		Durations:     sorted,
	}
}

// Print writes the statistics to w.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Listings: %d\n", s.TotalListings)
	fmt.Fprintf(w, "  Records:        %d\n", s.Records)
	fmt.Fprintf(w, "  Errors:         %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:            %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):   %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:           %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:            %v\n", s.P95)
	fmt.Fprintf(w, "  P99:            %v\n", s.P99)
	fmt.Fprintf(w, "  Max:            %v\n", s.Max)
}
