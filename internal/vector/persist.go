package vector

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// On-disk layout under the index directory:
//
//	CURRENT               name of the live generation, swapped by rename
//	gen-000001/index.bin  vector blob
//	gen-000001/mapping.db bbolt side-car: id -> (document, chunk, live), plus meta
//
// A generation is fully written before CURRENT points at it, so a crash at any
// point leaves the previous pair readable.
const (
	currentFile = "CURRENT"
	blobFile    = "index.bin"
	mappingFile = "mapping.db"
	genPrefix   = "gen-"

	mappingFormat = "1"
)

var (
	blobMagic    = [8]byte{'I', 'D', 'X', 'F', '0', '0', '0', '1'}
	refsBucket   = []byte("refs")
	metaBucket   = []byte("meta")
	metaFormat   = []byte("format")
	metaCount    = []byte("count")
	metaNextID   = []byte("next_id")
	metaDims     = []byte("dimensions")
	metaBlobHash = []byte("blob_sha256")
)

type mappingEntry struct {
	DocumentID string `json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
	Live       bool   `json:"live"`
}

// Persister saves and loads index generations in a directory.
type Persister struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

// PersisterOption configures a Persister.
type PersisterOption func(*Persister)

// WithLogger sets a logger for save/load diagnostics.
func WithLogger(l *zap.Logger) PersisterOption {
	return func(p *Persister) { p.logger = l }
}

// NewPersister returns a persister rooted at dir. The directory is created on first save.
func NewPersister(dir string, opts ...PersisterOption) *Persister {
	p := &Persister{dir: dir, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dir returns the index directory.
func (p *Persister) Dir() string { return p.dir }

// Save writes a new generation from idx and makes it current.
func (p *Persister) Save(idx Index) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Snapshot under the lock so generations are written in snapshot order.
	snap := idx.Snapshot()

	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	prev, _ := p.current()
	gens, err := p.generations()
	if err != nil {
		return err
	}
	next := 1
	if len(gens) > 0 {
		next = gens[len(gens)-1] + 1
	}
	name := fmt.Sprintf("%s%06d", genPrefix, next)
	genDir := filepath.Join(p.dir, name)
	if err := os.MkdirAll(genDir, 0755); err != nil {
		return fmt.Errorf("create generation dir: %w", err)
	}

	sum, err := writeBlob(filepath.Join(genDir, blobFile), snap)
	if err != nil {
		_ = os.RemoveAll(genDir)
		return err
	}
	if err := writeMapping(filepath.Join(genDir, mappingFile), snap, sum); err != nil {
		_ = os.RemoveAll(genDir)
		return err
	}
	if err := p.swapCurrent(name); err != nil {
		_ = os.RemoveAll(genDir)
		return err
	}
	p.prune(name, prev)
	p.logger.Debug("vector index saved",
		zap.String("generation", name),
		zap.Int("vectors", len(snap.IDs)),
		zap.Int64("next_id", snap.NextID))
	return nil
}

// Load restores idx from the current generation. A directory without a CURRENT
// file is a fresh index and leaves idx unchanged.
func (p *Persister) Load(idx Index) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	name, err := p.current()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", currentFile, err)
	}
	genDir := filepath.Join(p.dir, name)
	snap, sum, err := readBlob(filepath.Join(genDir, blobFile))
	if err != nil {
		return err
	}
	if err := readMapping(filepath.Join(genDir, mappingFile), snap, sum); err != nil {
		return err
	}
	if err := idx.Restore(snap); err != nil {
		return err
	}
	p.logger.Info("vector index loaded",
		zap.String("generation", name),
		zap.Int("vectors", len(snap.IDs)),
		zap.Int("dimensions", snap.Dimensions))
	return nil
}

func (p *Persister) current() (string, error) {
	b, err := os.ReadFile(filepath.Join(p.dir, currentFile))
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(string(b))
	if !strings.HasPrefix(name, genPrefix) || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: bad %s contents %q", ErrCorruptIndex, currentFile, name)
	}
	return name, nil
}

// generations lists generation numbers present in the directory, ascending.
func (p *Persister) generations() ([]int, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("list index dir: %w", err)
	}
	var gens []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), genPrefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), genPrefix)); err == nil {
			gens = append(gens, n)
		}
	}
	sort.Ints(gens)
	return gens, nil
}

func (p *Persister) swapCurrent(name string) error {
	tmp := filepath.Join(p.dir, currentFile+".tmp")
	if err := writeFileSync(tmp, []byte(name+"\n")); err != nil {
		return fmt.Errorf("write %s: %w", currentFile, err)
	}
	if err := os.Rename(tmp, filepath.Join(p.dir, currentFile)); err != nil {
		return fmt.Errorf("swap %s: %w", currentFile, err)
	}
	syncDir(p.dir)
	return nil
}

// prune removes every generation except keep and prev.
func (p *Persister) prune(keep, prev string) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !strings.HasPrefix(name, genPrefix) || name == keep || name == prev {
			continue
		}
		if err := os.RemoveAll(filepath.Join(p.dir, name)); err != nil {
			p.logger.Warn("failed to prune index generation", zap.String("generation", name), zap.Error(err))
		}
	}
}

func writeBlob(path string, snap *Snapshot) (string, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("create index blob: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	w := bufio.NewWriter(io.MultiWriter(f, h))
	var hdr [32]byte
	copy(hdr[:8], blobMagic[:])
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(snap.Dimensions))
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(snap.NextID))
	binary.LittleEndian.PutUint64(hdr[24:32], uint64(len(snap.IDs)))
	if _, err := w.Write(hdr[:]); err != nil {
		return "", fmt.Errorf("write index header: %w", err)
	}
	buf := make([]byte, 8+4*snap.Dimensions)
	for i, id := range snap.IDs {
		binary.LittleEndian.PutUint64(buf[:8], uint64(id))
		for j, x := range snap.Vectors[i*snap.Dimensions : (i+1)*snap.Dimensions] {
			binary.LittleEndian.PutUint32(buf[8+4*j:], math.Float32bits(x))
		}
		if _, err := w.Write(buf); err != nil {
			return "", fmt.Errorf("write vector %d: %w", id, err)
		}
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush index blob: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("sync index blob: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func readBlob(path string) (*Snapshot, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read index blob: %w", err)
	}
	if len(data) < 32 {
		return nil, "", fmt.Errorf("%w: index blob truncated", ErrCorruptIndex)
	}
	if !bytes.Equal(data[:8], blobMagic[:]) {
		return nil, "", fmt.Errorf("%w: magic %q", ErrUnsupportedFormat, data[:8])
	}
	sum := sha256.Sum256(data)
	dims := int(binary.LittleEndian.Uint32(data[8:12]))
	snap := &Snapshot{
		Dimensions: dims,
		NextID:     int64(binary.LittleEndian.Uint64(data[16:24])),
	}
	count := binary.LittleEndian.Uint64(data[24:32])
	rowLen := 8 + 4*uint64(dims)
	body := data[32:]
	// Compare by division first so a forged count cannot overflow the product.
	if count > uint64(len(body))/rowLen || uint64(len(body)) != count*rowLen {
		return nil, "", fmt.Errorf("%w: blob holds %d bytes for %d rows", ErrCorruptIndex, len(body), count)
	}
	snap.IDs = make([]int64, 0, count)
	snap.Vectors = make([]float32, 0, count*uint64(dims))
	for off := 0; off < len(body); off += int(rowLen) {
		snap.IDs = append(snap.IDs, int64(binary.LittleEndian.Uint64(body[off:])))
		for j := 0; j < dims; j++ {
			snap.Vectors = append(snap.Vectors, math.Float32frombits(binary.LittleEndian.Uint32(body[off+8+4*j:])))
		}
	}
	return snap, hex.EncodeToString(sum[:]), nil
}

func idKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func writeMapping(path string, snap *Snapshot, blobSum string) error {
	db, err := bbolt.Open(path, 0644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("open mapping: %w", err)
	}
	defer db.Close()
	err = db.Update(func(tx *bbolt.Tx) error {
		refs, err := tx.CreateBucketIfNotExists(refsBucket)
		if err != nil {
			return err
		}
		// Keys are big-endian and written in ascending order.
		refs.FillPercent = 1.0
		for i, id := range snap.IDs {
			v, err := json.Marshal(mappingEntry{
				DocumentID: snap.Refs[i].DocumentID,
				ChunkIndex: snap.Refs[i].ChunkIndex,
				Live:       snap.Live[i],
			})
			if err != nil {
				return err
			}
			if err := refs.Put(idKey(id), v); err != nil {
				return err
			}
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		for k, v := range map[string]string{
			string(metaFormat):   mappingFormat,
			string(metaCount):    strconv.Itoa(len(snap.IDs)),
			string(metaNextID):   strconv.FormatInt(snap.NextID, 10),
			string(metaDims):     strconv.Itoa(snap.Dimensions),
			string(metaBlobHash): blobSum,
		} {
			if err := meta.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write mapping: %w", err)
	}
	return nil
}

// readMapping fills snap.Refs and snap.Live and checks the side-car matches the blob.
func readMapping(path string, snap *Snapshot, blobSum string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: mapping missing: %v", ErrCorruptIndex, err)
	}
	db, err := bbolt.Open(path, 0444, &bbolt.Options{Timeout: 5 * time.Second, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("open mapping: %w", err)
	}
	defer db.Close()
	return db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		refs := tx.Bucket(refsBucket)
		if meta == nil || refs == nil {
			return fmt.Errorf("%w: mapping buckets missing", ErrCorruptIndex)
		}
		if f := string(meta.Get(metaFormat)); f != mappingFormat {
			return fmt.Errorf("%w: mapping format %q", ErrUnsupportedFormat, f)
		}
		if got := string(meta.Get(metaBlobHash)); got != blobSum {
			return fmt.Errorf("%w: mapping does not belong to blob", ErrCorruptIndex)
		}
		if got := string(meta.Get(metaNextID)); got != strconv.FormatInt(snap.NextID, 10) {
			return fmt.Errorf("%w: next id %s, blob says %d", ErrCorruptIndex, got, snap.NextID)
		}
		if n := refs.Stats().KeyN; n != len(snap.IDs) {
			return fmt.Errorf("%w: mapping has %d entries, blob has %d", ErrCorruptIndex, n, len(snap.IDs))
		}
		snap.Refs = make([]Ref, len(snap.IDs))
		snap.Live = make([]bool, len(snap.IDs))
		for i, id := range snap.IDs {
			v := refs.Get(idKey(id))
			if v == nil {
				return fmt.Errorf("%w: no mapping for vector %d", ErrCorruptIndex, id)
			}
			var e mappingEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("%w: mapping for vector %d: %v", ErrCorruptIndex, id, err)
			}
			snap.Refs[i] = Ref{DocumentID: e.DocumentID, ChunkIndex: e.ChunkIndex}
			snap.Live[i] = e.Live
		}
		return nil
	})
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
}
