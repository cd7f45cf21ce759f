package media

// Muxer writes tracks of access units into one destination.
//
// Lifecycle: AddTrack* -> Start -> WriteSampleData* -> Stop -> Release.
type Muxer interface {
	AddTrack(format *Format) (int, error)
	Start() error
	WriteSampleData(track int, payload []byte, info FrameInfo) error
	Stop() error
	Release() error
}
