package storage

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/mswitch/interfaces"
)

// logFactory opens a log rooted at dir. Opening the same dir twice (after
// Close) must see the same records, except for the memory backend.
type logFactory struct {
	name       string
	persistent bool
	open       func(t *testing.T, dir string) interfaces.OperationLog
}

func contractLogFactories() []logFactory {
	out := []logFactory{
		{
			name: BackendMemory,
			open: func(t *testing.T, dir string) interfaces.OperationLog {
				t.Helper()
				return NewMemoryLog()
			},
		},
		{
			name:       BackendFile,
			persistent: true,
			open: func(t *testing.T, dir string) interfaces.OperationLog {
				t.Helper()
				l, err := OpenFileLog(FileLogOptions{Dir: dir, SegmentSize: 4096, RingSize: 64})
				require.NoError(t, err)
				return l
			},
		},
		{
			name:       BackendPebble,
			persistent: true,
			open: func(t *testing.T, dir string) interfaces.OperationLog {
				t.Helper()
				l, err := OpenPebbleLog(PebbleLogOptions{Dir: dir})
				require.NoError(t, err)
				return l
			},
		},
		{
			name:       BackendSQLite,
			persistent: true,
			open: func(t *testing.T, dir string) interfaces.OperationLog {
				t.Helper()
				l, err := OpenSQLiteLog(SQLLogOptions{Dir: dir})
				require.NoError(t, err)
				return l
			},
		},
	}

	dsn := strings.TrimSpace(os.Getenv("MSWITCH_TEST_POSTGRES_DSN"))
	if dsn != "" {
		out = append(out, logFactory{
			name:       BackendPostgres,
			persistent: true,
			open: func(t *testing.T, dir string) interfaces.OperationLog {
				t.Helper()
				// one table per test directory keeps runs independent
				table := fmt.Sprintf("mswitch_test_%d", time.Now().UnixNano())
				if existing, err := os.ReadFile(dir + "/.table"); err == nil {
					table = string(existing)
				} else {
					require.NoError(t, os.WriteFile(dir+"/.table", []byte(table), 0o644))
				}
				l, err := OpenPostgresLog(SQLLogOptions{DSN: dsn, Table: table})
				require.NoError(t, err)
				return l
			},
		})
	}

	return out
}

func collect(t *testing.T, log interfaces.OperationLog) ([]interfaces.Position, []string) {
	t.Helper()
	var positions []interfaces.Position
	var records []string
	err := log.Replay(context.Background(), func(pos interfaces.Position, record []byte) error {
		positions = append(positions, pos)
		records = append(records, string(record))
		return nil
	})
	require.NoError(t, err)
	return positions, records
}

func TestLogContract_AppendReplayOrder(t *testing.T) {
	for _, factory := range contractLogFactories() {
		t.Run(factory.name, func(t *testing.T) {
			log := factory.open(t, t.TempDir())
			defer log.Close()

			ctx := context.Background()
			var want []string
			var last interfaces.Position
			for i := 0; i < 50; i++ {
				rec := fmt.Sprintf("record-%03d", i)
				pos, err := log.Append(ctx, []byte(rec))
				require.NoError(t, err)
				assert.Greater(t, pos, last, "positions must increase")
				last = pos
				want = append(want, rec)
			}

			positions, records := collect(t, log)
			assert.Equal(t, want, records)
			require.Len(t, positions, 50)
			assert.Equal(t, last, positions[49])
		})
	}
}

func TestLogContract_PersistsAcrossReopen(t *testing.T) {
	for _, factory := range contractLogFactories() {
		if !factory.persistent {
			continue
		}
		t.Run(factory.name, func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()

			// Session 1: write
			{
				log := factory.open(t, dir)
				for i := 0; i < 10; i++ {
					_, err := log.Append(ctx, []byte(fmt.Sprintf("s1-%d", i)))
					require.NoError(t, err)
				}
				require.NoError(t, log.Close())
			}

			// Session 2: replay and continue
			{
				log := factory.open(t, dir)
				_, records := collect(t, log)
				require.Len(t, records, 10)
				assert.Equal(t, "s1-0", records[0])
				assert.Equal(t, "s1-9", records[9])

				pos, err := log.Append(ctx, []byte("s2-0"))
				require.NoError(t, err)
				assert.Greater(t, uint64(pos), uint64(9))
				require.NoError(t, log.Close())
			}

			// Session 3: both sessions visible, in order
			{
				log := factory.open(t, dir)
				defer log.Close()
				positions, records := collect(t, log)
				require.Len(t, records, 11)
				assert.Equal(t, "s2-0", records[10])
				for i := 1; i < len(positions); i++ {
					assert.Greater(t, positions[i], positions[i-1])
				}
			}
		})
	}
}

func TestLogContract_ConcurrentAppends(t *testing.T) {
	for _, factory := range contractLogFactories() {
		t.Run(factory.name, func(t *testing.T) {
			log := factory.open(t, t.TempDir())
			defer log.Close()

			const writers, perWriter = 8, 25
			var wg sync.WaitGroup
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < perWriter; i++ {
						_, err := log.Append(context.Background(), []byte(fmt.Sprintf("w%d-%d", w, i)))
						assert.NoError(t, err)
					}
				}(w)
			}
			wg.Wait()

			_, records := collect(t, log)
			require.Len(t, records, writers*perWriter)

			// each writer's records keep their relative order
			next := make(map[string]int)
			for _, rec := range records {
				var w, i int
				_, err := fmt.Sscanf(rec, "w%d-%d", &w, &i)
				require.NoError(t, err)
				key := fmt.Sprint(w)
				assert.Equal(t, next[key], i, "writer %d out of order", w)
				next[key] = i + 1
			}
		})
	}
}

func TestLogContract_ReplayStopsOnCallbackError(t *testing.T) {
	for _, factory := range contractLogFactories() {
		t.Run(factory.name, func(t *testing.T) {
			log := factory.open(t, t.TempDir())
			defer log.Close()

			for i := 0; i < 5; i++ {
				_, err := log.Append(context.Background(), []byte{byte(i)})
				require.NoError(t, err)
			}

			stop := fmt.Errorf("stop here")
			seen := 0
			err := log.Replay(context.Background(), func(pos interfaces.Position, record []byte) error {
				seen++
				if seen == 3 {
					return stop
				}
				return nil
			})
			assert.ErrorIs(t, err, stop)
			assert.Equal(t, 3, seen)
		})
	}
}

func TestLogContract_AppendAfterClose(t *testing.T) {
	for _, factory := range contractLogFactories() {
		t.Run(factory.name, func(t *testing.T) {
			log := factory.open(t, t.TempDir())
			require.NoError(t, log.Close())

			_, err := log.Append(context.Background(), []byte("late"))
			assert.Error(t, err)
		})
	}
}

func TestLogContract_CancelledContext(t *testing.T) {
	for _, factory := range contractLogFactories() {
		t.Run(factory.name, func(t *testing.T) {
			log := factory.open(t, t.TempDir())
			defer log.Close()

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err := log.Append(ctx, []byte("never"))
			assert.ErrorIs(t, err, context.Canceled)

			_, records := collect(t, log)
			assert.Empty(t, records)
		})
	}
}
