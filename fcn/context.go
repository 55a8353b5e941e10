package fcn

import (
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
)

// Context is the build context every model component is constructed against.
//
// Encoder and decoder variables are held in separate var stores so the
// decoder set can be enumerated, optimized and saved on its own.
type Context struct {
	Device  gotch.Device
	Encoder *nn.VarStore
	Decoder *nn.VarStore
}

// NewContext creates an empty Context on device.
func NewContext(device gotch.Device) *Context {
	return &Context{
		Device:  device,
		Encoder: nn.NewVarStore(device),
		Decoder: nn.NewVarStore(device),
	}
}
