package simcmd_server

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/jimsnab/go-lane"
	"github.com/jimsnab/go-treestore"
)

type (
	// Renderer is the rendering collaborator driven by the simulation. Its
	// methods are only called from the owner goroutine.
	Renderer interface {
		// ApplyViewMode switches the visualization, e.g. "depth" or "lit".
		ApplyViewMode(mode string) error

		// CaptureFrame writes the current frame to filename.
		CaptureFrame(filename string) error
	}

	nullRenderer struct{}

	// simWorld is the simulation state. Apart from load and the final save
	// after the owner loop has stopped, it is only touched on the owner
	// goroutine, so it has no lock of its own.
	simWorld struct {
		l           lane.Lane
		ts          *treestore.TreeStore
		persistPath string
		renderer    Renderer
		captures    int
		dirty       atomic.Int32
	}
)

// View modes accepted by vset /mode.
var viewModes = map[string]struct{}{
	"depth":       {},
	"depth1":      {},
	"normal":      {},
	"object_mask": {},
	"lit":         {},
	"unlit":       {},
	"base_color":  {},
	"debug":       {},
}

const initialViewMode = "lit"

var (
	keyViewMode   = treestore.MakeStoreKey("view", "mode")
	keyFrameCount = treestore.MakeStoreKey("frame", "count")
	keyFrameLast  = treestore.MakeStoreKey("frame", "last")
	keyCaptures   = treestore.MakeStoreKey("frame", "captures")
)

func (nullRenderer) ApplyViewMode(mode string) error {
	return nil
}

func (nullRenderer) CaptureFrame(filename string) error {
	return nil
}

func newSimWorld(l lane.Lane, appVersion int) *simWorld {
	w := &simWorld{
		l:        l,
		ts:       treestore.NewTreeStore(l.Derive(), appVersion),
		renderer: nullRenderer{},
	}

	w.setString(keyViewMode, initialViewMode)
	w.setInt(keyFrameCount, 0)
	w.setString(w.cameraKey("0"), "MyCharacter")
	return w
}

// load restores a snapshot written by save. A missing file is not an error.
func (w *simWorld) load(persistPath string) error {
	w.persistPath = persistPath
	if persistPath == "" {
		return nil
	}

	if _, err := os.Stat(persistPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			w.l.Tracef("no world snapshot at %s", persistPath)
			return nil
		}
		return err
	}

	w.l.Tracef("loading world snapshot from %s", persistPath)
	if err := w.ts.Load(w.l, persistPath); err != nil {
		w.l.Errorf("error loading %s: %s", persistPath, err)
		return err
	}

	w.captures = w.intValue(keyCaptures)
	return nil
}

func (w *simWorld) save() error {
	if w.persistPath == "" || w.dirty.Swap(0) == 0 {
		return nil
	}

	w.l.Tracef("saving world snapshot to %s", w.persistPath)
	if err := w.ts.Save(w.l, w.persistPath); err != nil {
		w.l.Errorf("failed to save world to %s: %s", w.persistPath, err)
		return err
	}
	return nil
}

func (w *simWorld) viewMode() string {
	val, _, _ := w.ts.GetKeyValue(keyViewMode)
	return valueString(val)
}

// setViewMode validates and applies mode; the argument is case-insensitive.
func (w *simWorld) setViewMode(mode string) error {
	mode = strings.ToLower(mode)
	if _, valid := viewModes[mode]; !valid {
		w.l.Warnf("unrecognized view mode %s", mode)
		return HandlerErrorf("Can not set ViewMode to %s", mode)
	}

	if err := w.renderer.ApplyViewMode(mode); err != nil {
		return HandlerErrorf("Can not set ViewMode to %s: %s", mode, err)
	}

	w.setString(keyViewMode, mode)
	w.dirty.Add(1)
	return nil
}

func (w *simWorld) cameraKey(id string) treestore.StoreKey {
	return treestore.MakeStoreKey("camera", id, "name")
}

func (w *simWorld) cameraName(id string) (name string, exists bool) {
	val, _, valueExists := w.ts.GetKeyValue(w.cameraKey(id))
	if !valueExists {
		return
	}
	return valueString(val), true
}

func (w *simWorld) frame() int {
	return w.intValue(keyFrameCount)
}

func (w *simWorld) advanceFrame() int {
	next := w.frame() + 1
	w.setInt(keyFrameCount, next)
	w.dirty.Add(1)
	return next
}

// captureFrame asks the renderer for a screenshot named after the capture
// counter.
func (w *simWorld) captureFrame() (filename string, err error) {
	w.captures++
	name := fmt.Sprintf("%04d.png", w.captures)
	w.setInt(keyCaptures, w.captures)
	w.dirty.Add(1)

	if err = w.renderer.CaptureFrame(name); err != nil {
		w.l.Warnf("capture of %s failed: %s", name, err)
		return
	}

	w.setString(keyFrameLast, name)
	filename = name
	return
}

func (w *simWorld) lastCapture() string {
	val, _, _ := w.ts.GetKeyValue(keyFrameLast)
	return valueString(val)
}

// Values are stored as bytes so that they survive a snapshot round trip
// unchanged.
func (w *simWorld) setString(sk treestore.StoreKey, val string) {
	w.ts.SetKeyValue(sk, []byte(val))
}

func (w *simWorld) setInt(sk treestore.StoreKey, val int) {
	w.setString(sk, strconv.Itoa(val))
}

func (w *simWorld) intValue(sk treestore.StoreKey) int {
	val, _, valueExists := w.ts.GetKeyValue(sk)
	if !valueExists {
		return 0
	}

	switch t := val.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		n, _ := strconv.Atoi(valueString(val))
		return n
	}
}

func valueString(val any) string {
	switch t := val.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
