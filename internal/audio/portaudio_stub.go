//go:build !portaudio

package audio

import "fmt"

// PortAudio needs the C library at build time; build with -tags portaudio
// to enable it.

func openPortAudio(SourceConfig) (Source, error) {
	return nil, fmt.Errorf("%w: built without portaudio support", ErrUnsupportedPlatform)
}

func probePortAudio() error {
	return fmt.Errorf("built without portaudio support")
}

func listPortAudioDevices() ([]string, error) {
	return nil, nil
}
