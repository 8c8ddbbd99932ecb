package stages

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"net/http"

	"github.com/google/uuid"
	"github.com/polisai/framepipe/pkg/codec"
	"github.com/polisai/framepipe/pkg/domain"
	"github.com/polisai/framepipe/pkg/engine/runtime"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	boxThickness = 3
	labelOffset  = 10
)

// Annotator draws surviving detections onto the frame and stores the result.
type Annotator struct {
	labels []string
	store  ArtifactStore
	format string
}

// NewAnnotator creates an annotator. A nil store discards the images.
func NewAnnotator(labels []string, store ArtifactStore) *Annotator {
	if store == nil {
		store = Discard{}
	}
	return &Annotator{labels: append([]string(nil), labels...), store: store, format: codec.FormatPNG}
}

// Annotate implements runtime.AnnotateStage.
func (a *Annotator) Annotate(ctx context.Context, req domain.BranchRequest) (domain.AnnotateResult, error) {
	if err := req.Validate(); err != nil {
		return domain.AnnotateResult{}, &domain.CodecError{Field: "indices", Err: err}
	}
	src, _, err := codec.DecodeImage("frame", req.Frame)
	if err != nil {
		return domain.AnnotateResult{}, err
	}

	canvas := image.NewRGBA(src.Bounds())
	draw.Draw(canvas, canvas.Bounds(), src, src.Bounds().Min, draw.Src)
	for _, i := range req.Indices {
		classID := req.ClassIDs[i]
		drawPrediction(canvas, req.Boxes[i], labelOf(a.labels, classID), classColor(classID))
	}

	encoded, err := codec.EncodeImage(canvas, a.format)
	if err != nil {
		return domain.AnnotateResult{}, err
	}

	name := runtime.RunIDFrom(ctx)
	if name == "" {
		name = uuid.NewString()
	}
	artifact, err := a.store.Save(ctx, name+"."+a.format, encoded)
	if err != nil {
		return domain.AnnotateResult{}, &domain.StageError{
			Stage:   domain.StageAnnotate,
			Status:  http.StatusInternalServerError,
			Message: fmt.Sprintf("store artifact: %v", err),
			Err:     err,
		}
	}
	return domain.AnnotateResult{Success: true, Artifact: artifact}, nil
}

func drawPrediction(img *image.RGBA, box domain.Box, label string, c color.RGBA) {
	x0, y0 := int(math.Round(box.X())), int(math.Round(box.Y()))
	x1, y1 := int(math.Round(box.X()+box.W())), int(math.Round(box.Y()+box.H()))
	rect := image.Rect(x0, y0, x1, y1).Intersect(img.Bounds())
	if rect.Empty() {
		return
	}

	fill := image.NewUniform(c)
	for t := 0; t < boxThickness; t++ {
		edges := []image.Rectangle{
			image.Rect(x0-t, y0-t, x1+t+1, y0-t+1), // top
			image.Rect(x0-t, y1+t, x1+t+1, y1+t+1), // bottom
			image.Rect(x0-t, y0-t, x0-t+1, y1+t+1), // left
			image.Rect(x1+t, y0-t, x1+t+1, y1+t+1), // right
		}
		for _, e := range edges {
			draw.Draw(img, e.Intersect(img.Bounds()), fill, image.Point{}, draw.Over)
		}
	}

	origin := image.Pt(x0-labelOffset, y0-labelOffset)
	if origin.X < 0 {
		origin.X = 0
	}
	if origin.Y < basicfont.Face7x13.Ascent {
		origin.Y = basicfont.Face7x13.Ascent
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  fill,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(origin.X, origin.Y),
	}
	d.DrawString(label)
}

// classColor derives a stable color per class.
func classColor(classID int) color.RGBA {
	h := uint32(classID+1) * 2654435761
	return color.RGBA{R: uint8(h >> 24), G: uint8(h >> 16), B: uint8(h >> 8), A: 0xff}
}
