// Package stages implements the four pipeline stages behind the typed stage
// contract of pkg/engine/runtime. Algorithms are pluggable: the filter takes a
// Similarity, the detector a Model, the annotator an ArtifactStore and the
// sink a Publisher.
package stages
