package recorder

// Callback receives the phase transitions of a recording. Methods run on the
// goroutine causing the transition; OnError may run on the mux goroutine and
// must not block on stopping the recorder.
type Callback interface {
	OnConnected()
	OnPrepared()
	OnReady()
	OnDisconnected()
	OnError(err error)
}

// NopCallback can be embedded to implement only some methods.
type NopCallback struct{}

func (NopCallback) OnConnected()    {}
func (NopCallback) OnPrepared()     {}
func (NopCallback) OnReady()        {}
func (NopCallback) OnDisconnected() {}
func (NopCallback) OnError(error)   {}
