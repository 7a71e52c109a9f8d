package volhud

import (
	_ "embed"

	"github.com/MixyLabs/volhud/pkg/volhud/util"
)

//go:embed assets/logo.ico
var logoIconData []byte

//go:embed assets/logo.png
var logoPNGData []byte

// LogoIconData is the app icon in the format the platform's tray expects
func LogoIconData() []byte {
	if util.Windows() {
		return logoIconData
	}

	return logoPNGData
}
