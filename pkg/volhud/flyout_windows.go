package volhud

import (
	"fmt"
	"runtime"
	"syscall"
	"time"
	"unsafe"

	"github.com/go-ole/go-ole"
	"go.uber.org/zap"
)

var (
	clsidImmersiveShell       = ole.NewGUID("{C2F03A33-21F5-47FA-B4BB-156362A2F239}")
	iidIServiceProvider       = ole.NewGUID("{6D5140C1-7436-11CE-8034-00AA006009FA}")
	iidIAudioFlyoutController = ole.NewGUID("{41F9D2FB-7834-4AB6-8B1B-73E74064B465}")
)

type iServiceProvider struct {
	ole.IUnknown
}

type iServiceProviderVtbl struct {
	ole.IUnknownVtbl
	QueryService uintptr
}

func (v *iServiceProvider) VTable() *iServiceProviderVtbl {
	return (*iServiceProviderVtbl)(unsafe.Pointer(v.RawVTable))
}

func (v *iServiceProvider) QueryService(sid, iid *ole.GUID, out unsafe.Pointer) error {
	hr, _, _ := syscall.SyscallN(
		v.VTable().QueryService,
		uintptr(unsafe.Pointer(v)),
		uintptr(unsafe.Pointer(sid)),
		uintptr(unsafe.Pointer(iid)),
		uintptr(out),
	)
	if hr != 0 {
		return ole.NewError(hr)
	}
	return nil
}

type iAudioFlyoutController struct {
	ole.IUnknown
}

type iAudioFlyoutControllerVtbl struct {
	ole.IUnknownVtbl
	ShowFlyout uintptr
}

func (v *iAudioFlyoutController) VTable() *iAudioFlyoutControllerVtbl {
	return (*iAudioFlyoutControllerVtbl)(unsafe.Pointer(v.RawVTable))
}

func (v *iAudioFlyoutController) ShowFlyout(mode, param uint64) error {
	hr, _, _ := syscall.SyscallN(
		v.VTable().ShowFlyout,
		uintptr(unsafe.Pointer(v)),
		uintptr(mode),
		uintptr(param),
	)
	if hr != 0 {
		return ole.NewError(hr)
	}
	return nil
}

// showAudioFlyout pops the shell's own volume flyout. COM must be initialized on the calling thread
func showAudioFlyout() error {
	unk, err := ole.CreateInstance(clsidImmersiveShell, iidIServiceProvider)
	if err != nil {
		return fmt.Errorf("create immersive shell: %w", err)
	}
	shell := (*iServiceProvider)(unsafe.Pointer(unk))
	defer shell.Release()

	var audio *iAudioFlyoutController
	if err := shell.QueryService(iidIAudioFlyoutController, iidIAudioFlyoutController, unsafe.Pointer(&audio)); err != nil {
		return fmt.Errorf("query audio flyout controller: %w", err)
	}
	defer audio.Release()

	return audio.ShowFlyout(0, 0)
}

// flyoutHUD shows the OS volume flyout for HUD events, at most once a second
type flyoutHUD struct {
	logger   *zap.SugaredLogger
	requests chan struct{}
}

func newFlyoutHUD(logger *zap.SugaredLogger) *flyoutHUD {
	f := &flyoutHUD{
		logger:   logger.Named("flyout"),
		requests: make(chan struct{}, 1),
	}

	go f.run()

	return f
}

// show never blocks; requests arriving while one is pending are merged
func (f *flyoutHUD) show(event HUDEvent) {
	select {
	case f.requests <- struct{}{}:
	default:
	}
}

func (f *flyoutHUD) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		f.logger.Debugw("CoInitializeEx on flyout thread", "error", err)
	}
	defer ole.CoUninitialize()

	var lastShown time.Time

	for range f.requests {
		now := time.Now()
		if lastShown.Add(time.Second).After(now) {
			continue
		}

		if err := showAudioFlyout(); err != nil {
			f.logger.Warnw("Cannot display audio flyout", "error", err)
		}
		lastShown = now
	}
}
