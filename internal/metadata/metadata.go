// Package metadata declares the NFO/sidecar text-generation surface.
// NFO generation is named as an external collaborator in scope — the
// engine drives when a descriptor is written, never what bytes it
// contains — so only the interface lives here, following the teacher's
// materializer.Interface/Stub split (a real schema-complete generator is
// out of scope).
package metadata

import "github.com/arrenxxxxx/bili-sync/internal/model"

// Provider renders the sidecar text files the Materialization Stage
// writes alongside media. Every method returns the file's full contents.
type Provider interface {
	SeriesNFO(v model.Video) ([]byte, error)
	EpisodeNFO(v model.Video, p model.Page) ([]byte, error)
	PersonNFO(pub model.Publisher) ([]byte, error)
}

// Stub is a minimal Provider: Phase 1, nothing more than a placeholder
// marker so the pipeline has real bytes to write and the round-trip is
// exercisable without a schema-complete NFO generator.
type Stub struct{}

func (Stub) SeriesNFO(v model.Video) ([]byte, error) {
	return []byte("<tvshow><title>" + v.Title + "</title></tvshow>\n"), nil
}

func (Stub) EpisodeNFO(v model.Video, p model.Page) ([]byte, error) {
	return []byte("<episodedetails><title>" + p.Title + "</title></episodedetails>\n"), nil
}

func (Stub) PersonNFO(pub model.Publisher) ([]byte, error) {
	return []byte("<person><name>" + pub.Name + "</name></person>\n"), nil
}
