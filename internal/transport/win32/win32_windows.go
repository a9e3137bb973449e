//go:build windows

package win32

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"go.klb.dev/skypebridge/internal/fragment"
	"go.klb.dev/skypebridge/internal/message"
	"go.klb.dev/skypebridge/internal/session"
)

var (
	user32   = windows.NewLazySystemDLL("user32.dll")
	kernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procRegisterWindowMessageW = user32.NewProc("RegisterWindowMessageW")
	procRegisterClassExW       = user32.NewProc("RegisterClassExW")
	procUnregisterClassW       = user32.NewProc("UnregisterClassW")
	procCreateWindowExW        = user32.NewProc("CreateWindowExW")
	procDestroyWindow          = user32.NewProc("DestroyWindow")
	procDefWindowProcW         = user32.NewProc("DefWindowProcW")
	procGetMessageW            = user32.NewProc("GetMessageW")
	procTranslateMessage       = user32.NewProc("TranslateMessage")
	procDispatchMessageW       = user32.NewProc("DispatchMessageW")
	procPostMessageW           = user32.NewProc("PostMessageW")
	procSendMessageTimeoutW    = user32.NewProc("SendMessageTimeoutW")
	procPostQuitMessage        = user32.NewProc("PostQuitMessage")
	procGetModuleHandleW       = kernel32.NewProc("GetModuleHandleW")
)

const (
	wmDestroy  = 0x0002
	wmClose    = 0x0010
	wmCopyData = 0x004A

	hwndBroadcast   = 0xFFFF
	smtoAbortIfHung = 0x0002

	className = "skypebridge-api-window"

	sendTimeout    = 5 * time.Second
	pendingRetry   = time.Second
	defaultTimeout = 10 * time.Second
)

type wndClassEx struct {
	Size       uint32
	Style      uint32
	WndProc    uintptr
	ClsExtra   int32
	WndExtra   int32
	Instance   windows.Handle
	Icon       windows.Handle
	Cursor     windows.Handle
	Background windows.Handle
	MenuName   *uint16
	ClassName  *uint16
	IconSm     windows.Handle
}

type point struct{ X, Y int32 }

type winMsg struct {
	Hwnd    uintptr
	Message uint32
	WParam  uintptr
	LParam  uintptr
	Time    uint32
	Pt      point
}

type copyData struct {
	Data uintptr
	Size uint32
	Ptr  uintptr
}

// The window procedure is a process-wide callback, so only one transport can
// own the API window at a time.
var (
	current  atomic.Pointer[Transport]
	wndProcA = windows.NewCallback(wndProc)
)

// Transport owns a hidden top-level window that Skype addresses with its
// attach and WM_COPYDATA messages.
type Transport struct {
	timeout time.Duration

	hwnd        uintptr
	instance    uintptr
	discoverMsg uint32
	attachMsg   uint32

	mu    sync.Mutex
	skype uintptr

	attach chan message.Status
	q      *session.Queue
	done   chan struct{}
	once   sync.Once
}

// Open creates the API window and starts its message pump. connectTimeout
// bounds how long Search waits for an attach answer; zero means 10s.
func Open(connectTimeout time.Duration) (*Transport, error) {
	if connectTimeout <= 0 {
		connectTimeout = defaultTimeout
	}
	t := &Transport{
		timeout: connectTimeout,
		attach:  make(chan message.Status, 8),
		q:       session.NewQueue(256),
		done:    make(chan struct{}),
	}
	if !current.CompareAndSwap(nil, t) {
		return nil, errors.New("win32: transport already open in this process")
	}
	ready := make(chan error, 1)
	go t.pump(ready)
	if err := <-ready; err != nil {
		current.CompareAndSwap(t, nil)
		return nil, err
	}
	return t, nil
}

// pump runs on a locked OS thread: the window belongs to the thread that
// created it and only that thread receives its messages.
func (t *Transport) pump(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(t.done)
	defer t.q.Close()

	if err := t.createWindow(); err != nil {
		ready <- err
		return
	}
	ready <- nil

	var m winMsg
	for {
		r, _, _ := procGetMessageW.Call(uintptr(unsafe.Pointer(&m)), 0, 0, 0)
		if int32(r) <= 0 {
			break
		}
		procTranslateMessage.Call(uintptr(unsafe.Pointer(&m)))
		procDispatchMessageW.Call(uintptr(unsafe.Pointer(&m)))
	}
	name, _ := windows.UTF16PtrFromString(className)
	procUnregisterClassW.Call(uintptr(unsafe.Pointer(name)), t.instance)
}

func (t *Transport) createWindow() error {
	var err error
	if t.discoverMsg, err = registerMessage(discoverMessage); err != nil {
		return err
	}
	if t.attachMsg, err = registerMessage(attachMessage); err != nil {
		return err
	}

	t.instance, _, _ = procGetModuleHandleW.Call(0)
	name, _ := windows.UTF16PtrFromString(className)
	wc := wndClassEx{
		WndProc:   wndProcA,
		Instance:  windows.Handle(t.instance),
		ClassName: name,
	}
	wc.Size = uint32(unsafe.Sizeof(wc))
	if r, _, e := procRegisterClassExW.Call(uintptr(unsafe.Pointer(&wc))); r == 0 {
		return fmt.Errorf("win32: RegisterClassEx: %w", e)
	}

	// A top-level window rather than a message-only one: broadcasts skip
	// message-only windows and Skype replies to the discover sender.
	hwnd, _, e := procCreateWindowExW.Call(
		0,
		uintptr(unsafe.Pointer(name)),
		0,
		0, // WS_OVERLAPPED
		0, 0, 0, 0,
		0, 0, t.instance, 0,
	)
	if hwnd == 0 {
		procUnregisterClassW.Call(uintptr(unsafe.Pointer(name)), t.instance)
		return fmt.Errorf("win32: CreateWindowEx: %w", e)
	}
	t.hwnd = hwnd
	return nil
}

func registerMessage(name string) (uint32, error) {
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return 0, err
	}
	r, _, e := procRegisterWindowMessageW.Call(uintptr(unsafe.Pointer(p)))
	if r == 0 {
		return 0, fmt.Errorf("win32: RegisterWindowMessage %s: %w", name, e)
	}
	return uint32(r), nil
}

func wndProc(hwnd uintptr, msg uint32, wparam, lparam uintptr) uintptr {
	t := current.Load()
	if t == nil || hwnd != t.hwnd {
		r, _, _ := procDefWindowProcW.Call(hwnd, uintptr(msg), wparam, lparam)
		return r
	}
	switch msg {
	case t.attachMsg:
		t.onAttach(wparam, lparam)
		return 1
	case wmCopyData:
		if wparam != t.skypeWindow() {
			return 0
		}
		cds := (*copyData)(unsafe.Pointer(lparam))
		if cds.Ptr == 0 || cds.Size == 0 {
			return 1
		}
		text := cString(unsafe.Slice((*byte)(unsafe.Pointer(cds.Ptr)), cds.Size))
		if !t.q.TryPush(session.Event{Chunk: fragment.Chunk{Marker: fragment.Begin, Data: []byte(text)}}) {
			slog.Warn("win32: event queue full, notification dropped", "text", text)
		}
		return 1
	case wmClose:
		procDestroyWindow.Call(hwnd)
		return 0
	case wmDestroy:
		procPostQuitMessage.Call(0)
		return 0
	}
	r, _, _ := procDefWindowProcW.Call(hwnd, uintptr(msg), wparam, lparam)
	return r
}

// onAttach runs on the pump thread inside the window procedure, so it never
// blocks on the event queue.
func (t *Transport) onAttach(from, code uintptr) {
	ev, ok := attachEvent(code)
	if !ok {
		slog.Debug("win32: unknown attach status ignored", "code", code)
		return
	}
	st := ev.Status
	if st == message.StatusAttached {
		t.mu.Lock()
		t.skype = from
		t.mu.Unlock()
	}
	select {
	case t.attach <- st:
	default:
		slog.Debug("win32: attach answer dropped", "status", st)
	}
	if !t.q.TryPush(ev) {
		slog.Warn("win32: event queue full, attach status dropped", "status", st)
	}
}

func (t *Transport) skypeWindow() uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.skype
}

func (t *Transport) Name() string  { return "win32" }
func (t *Transport) MaxChunk() int { return 0 }

// Lookup returns the window that last attached successfully.
func (t *Transport) Lookup(context.Context) (session.PeerHandle, error) {
	if w := t.skypeWindow(); w != 0 {
		return Window(w), nil
	}
	return nil, session.ErrPeerNotFound
}

// Search broadcasts the discover message and waits for Skype to attach.
// While authorization is pending the broadcast is repeated every second.
func (t *Transport) Search(ctx context.Context) (session.PeerHandle, error) {
	deadline := time.NewTimer(t.timeout)
	defer deadline.Stop()
	for {
		t.drainAttach()
		if r, _, e := procPostMessageW.Call(hwndBroadcast, uintptr(t.discoverMsg), t.hwnd, 0); r == 0 {
			return nil, fmt.Errorf("win32: broadcast discover: %w", e)
		}
	wait:
		for {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-t.done:
				return nil, session.ErrTransportClosed
			case <-deadline.C:
				return nil, session.ErrPeerNotFound
			case st := <-t.attach:
				switch st {
				case message.StatusAttached:
					return Window(t.skypeWindow()), nil
				case message.StatusRefused, message.StatusNotAvailable:
					return nil, &session.StatusError{Status: st}
				case message.StatusPendingAuthorization:
					select {
					case <-ctx.Done():
						return nil, ctx.Err()
					case <-time.After(pendingRetry):
					}
					break wait
				case message.StatusAPIAvailable:
					break wait
				}
			}
		}
	}
}

func (t *Transport) drainAttach() {
	for {
		select {
		case <-t.attach:
		default:
			return
		}
	}
}

// Transmit sends the command as a NUL-terminated string in WM_COPYDATA.
func (t *Transport) Transmit(_ context.Context, peer session.PeerHandle, c fragment.Chunk) (string, error) {
	w, ok := peer.(Window)
	if !ok {
		return "", fmt.Errorf("win32: foreign peer handle %T", peer)
	}
	data := make([]byte, len(c.Data)+1)
	copy(data, c.Data)
	cds := copyData{Size: uint32(len(data)), Ptr: uintptr(unsafe.Pointer(&data[0]))}
	var result uintptr
	r, _, e := procSendMessageTimeoutW.Call(
		uintptr(w), wmCopyData, t.hwnd, uintptr(unsafe.Pointer(&cds)),
		smtoAbortIfHung, uintptr(sendTimeout/time.Millisecond), uintptr(unsafe.Pointer(&result)),
	)
	runtime.KeepAlive(data)
	if r == 0 {
		return "", fmt.Errorf("win32: WM_COPYDATA to %s: %w", w, e)
	}
	return "", nil
}

func (t *Transport) Events() <-chan session.Event { return t.q.Events() }

// Close destroys the window, which ends the message pump.
func (t *Transport) Close() error {
	t.once.Do(func() {
		procPostMessageW.Call(t.hwnd, wmClose, 0, 0)
		select {
		case <-t.done:
		case <-time.After(2 * time.Second):
			slog.Warn("win32: message pump did not stop")
			t.q.Close()
		}
		current.CompareAndSwap(t, nil)
	})
	return nil
}
