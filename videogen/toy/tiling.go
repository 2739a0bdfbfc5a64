package toy

import (
	"fmt"

	"github.com/ollama/videogen/tensor"
)

// TilingConfig holds configuration for tiled VAE decoding.
// This is a general technique to reduce memory usage when decoding large latents.
type TilingConfig struct {
	TileSize int // Tile size in latent space (e.g., 64 latent -> 512 pixels for 8x VAE)
	Overlap  int // Overlap in latent space
}

// DefaultTilingConfig overlaps tiles by a quarter of their size.
func DefaultTilingConfig(tileSize int) TilingConfig {
	return TilingConfig{TileSize: tileSize, Overlap: tileSize / 4}
}

// decodedTile holds a decoded tile's pixel planes and dimensions
type decodedTile struct {
	data   []float32 // planes x height x width
	planes int
	height int
	width  int
}

// DecodeTiled decodes a (channels, frames, H, W) latent in overlapping
// spatial tiles and blends the seams linearly. scale is the spatial upsample
// factor of decoder, which maps a latent tile to a (3, frames', h, w) video.
func DecodeTiled(latent *tensor.Tensor, cfg TilingConfig, scale int, decoder func(*tensor.Tensor) (*tensor.Tensor, error)) (*tensor.Tensor, error) {
	H, W := latent.Dim(2), latent.Dim(3)

	tile := cfg.TileSize
	if H <= tile && W <= tile {
		return decoder(latent)
	}
	if cfg.Overlap < 0 || cfg.Overlap >= tile {
		return nil, fmt.Errorf("tile overlap %d must be in [0, %d)", cfg.Overlap, tile)
	}

	stride := tile - cfg.Overlap
	blendExtent := cfg.Overlap * scale
	rowLimit := stride * scale // pixels each non-final tile keeps

	// Decode all tiles into a 2D grid
	var rows [][]decodedTile
	var frames int
	for i := 0; i < H; i += stride {
		var row []decodedTile
		for j := 0; j < W; j += stride {
			t, err := sliceTile(latent, i, min(i+tile, H), j, min(j+tile, W))
			if err != nil {
				return nil, err
			}

			decoded, err := decoder(t)
			t.Free()
			if err != nil {
				return nil, fmt.Errorf("decode tile (%d, %d): %w", i, j, err)
			}

			frames = decoded.Dim(1)
			row = append(row, decodedTile{
				data:   decoded.Data(),
				planes: decoded.Dim(0) * decoded.Dim(1),
				height: decoded.Dim(2),
				width:  decoded.Dim(3),
			})
		}
		rows = append(rows, row)
	}

	// Blend adjacent tiles (modifies in place)
	for i := range rows {
		for j := range rows[i] {
			tile := &rows[i][j]
			if i > 0 {
				blendV(&rows[i-1][j], tile, rowLimit, blendExtent)
			}
			if j > 0 {
				blendH(&rows[i][j-1], tile, rowLimit, blendExtent)
			}
		}
	}

	colWidths := make([]int, len(rows[0]))
	for j := range rows[0] {
		colWidths[j] = rowLimit
		if (j+1)*stride >= W {
			colWidths[j] = rows[0][j].width
		}
	}

	rowHeights := make([]int, len(rows))
	for i := range rows {
		rowHeights[i] = rowLimit
		if (i+1)*stride >= H {
			rowHeights[i] = rows[i][0].height
		}
	}

	var totalW, totalH int
	for _, w := range colWidths {
		totalW += w
	}
	for _, h := range rowHeights {
		totalH += h
	}

	// Assemble the cropped tiles
	planes := rows[0][0].planes
	out := make([]float32, planes*totalH*totalW)
	dstY := 0
	for i, row := range rows {
		for y := range rowHeights[i] {
			dstX := 0
			for j, tile := range row {
				for p := range planes {
					src := (p*tile.height+y)*tile.width
					dst := (p*totalH+dstY+y)*totalW + dstX
					copy(out[dst:dst+colWidths[j]], tile.data[src:src+colWidths[j]])
				}
				dstX += colWidths[j]
			}
		}
		dstY += rowHeights[i]
	}

	return tensor.New(out, planes/frames, frames, totalH, totalW), nil
}

func sliceTile(latent *tensor.Tensor, y0, y1, x0, x1 int) (*tensor.Tensor, error) {
	rows, err := latent.Slice(2, y0, y1)
	if err != nil {
		return nil, err
	}
	defer rows.Free()
	return rows.Slice(3, x0, x1)
}

// blendV blends the bottom of 'above' tile into top of 'current' tile
// (vertical blend). offset is the row of above where current begins.
func blendV(above, current *decodedTile, offset, blendExtent int) {
	blend := min(blendExtent, above.height-offset, current.height)
	if blend <= 0 {
		return
	}

	w := min(above.width, current.width)
	for p := range current.planes {
		for y := range blend {
			alpha := float32(y) / float32(blend)
			for x := range w {
				a := (p*above.height+offset+y)*above.width + x
				c := (p*current.height+y)*current.width + x
				current.data[c] = above.data[a]*(1-alpha) + current.data[c]*alpha
			}
		}
	}
}

// blendH blends the right of 'left' tile into left of 'current' tile
// (horizontal blend). offset is the column of left where current begins.
func blendH(left, current *decodedTile, offset, blendExtent int) {
	blend := min(blendExtent, left.width-offset, current.width)
	if blend <= 0 {
		return
	}

	h := min(left.height, current.height)
	for p := range current.planes {
		for y := range h {
			for x := range blend {
				alpha := float32(x) / float32(blend)
				l := (p*left.height+y)*left.width + offset + x
				c := (p*current.height+y)*current.width + x
				current.data[c] = left.data[l]*(1-alpha) + current.data[c]*alpha
			}
		}
	}
}
