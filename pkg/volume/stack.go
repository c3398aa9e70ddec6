package volume

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "golang.org/x/image/tiff"

	"voxelreg/internal/models"
)

// sliceExtensions lists the file types LoadSliceStack picks up.
var sliceExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".tif":  true,
	".tiff": true,
}

// LoadSliceStack builds a volume from a directory of 2-D slice images, one image per z plane.
// Slices are ordered by the number embedded in their file names. Grey values are scaled to [0,1]
// for continuous data and kept as raw 16-bit values for categorical data.
func LoadSliceStack(dir string, delta [3]float64, class models.DataClass) (*Volume, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error reading slice directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if sliceExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			files = append(files, entry.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no slice images found in %s", dir)
	}

	sort.SliceStable(files, func(i, j int) bool {
		return extractNumber(files[i]) < extractNumber(files[j])
	})

	var (
		data          []float64
		width, height int
	)
	for z, name := range files {
		img, err := loadImage(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to load slice %s: %w", name, err)
		}

		bounds := img.Bounds()
		if z == 0 {
			width, height = bounds.Dx(), bounds.Dy()
			data = make([]float64, 0, width*height*len(files))
		} else if bounds.Dx() != width || bounds.Dy() != height {
			return nil, fmt.Errorf("slice %s is %dx%d, expected %dx%d", name, bounds.Dx(), bounds.Dy(), width, height)
		}

		data = appendImage(data, img, class.IsCategorical())
	}

	return New(models.Index3{width, height, len(files)}, delta, data, class)
}

// extractNumber extracts the numeric part from a filename
func extractNumber(filename string) int {
	var digits strings.Builder
	for _, c := range filepath.Base(filename) {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}

	if digits.Len() > 0 {
		if num, err := strconv.Atoi(digits.String()); err == nil {
			return num
		}
	}
	return 0
}

func loadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	return img, err
}

// appendImage appends the grey values of img row by row.
func appendImage(data []float64, img image.Image, raw bool) []float64 {
	bounds := img.Bounds()
	if gray, ok := img.(*image.Gray); ok && raw {
		// 8-bit label maps keep their label values
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				data = append(data, float64(gray.GrayAt(x, y).Y))
			}
		}
		return data
	}

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, _, _, _ := img.At(x, y).RGBA()
			if raw {
				data = append(data, float64(r))
			} else {
				data = append(data, float64(r)/65535.0)
			}
		}
	}
	return data
}
