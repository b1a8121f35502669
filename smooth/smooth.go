package smooth

import "github.com/pipigenius/ukfm"

// RTS is Rauch Tung Striebel optimal filter smoother
type RTS interface {
	// ukfm.Smoother is filter smoother
	ukfm.Smoother
}
