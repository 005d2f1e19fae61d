package batch

import (
	"fmt"
	"path"
	"time"
)

// NightLayout is the Go reference layout of a night identifier.
const NightLayout = "20060102"

// Category classifies a source file by the directory it was found in.
type Category string

const (
	CategoryImage       Category = "image"
	CategoryCalibration Category = "calibration"
	CategoryAutoFlat    Category = "autoflat"
	CategoryLog         Category = "log"
)

// ParseNight validates a YYYYMMDD night identifier.
func ParseNight(s string) (time.Time, error) {
	t, err := time.ParseInLocation(NightLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid night %q (want YYYYMMDD): %w", s, err)
	}
	return t, nil
}

// NightOf returns the night identifier of the UTC date of t.
func NightOf(t time.Time) string {
	return t.UTC().Format(NightLayout)
}

// ImagesDir returns the relative image directory of a night.
func ImagesDir(night string) string {
	return path.Join("Images", night)
}

// LogsDir returns the relative log directory of a night.
func LogsDir(night string) string {
	return path.Join("Logs", night)
}

type source struct {
	rel      string
	category Category
}

// sources lists the directories of a night in enumeration order.
func sources(night string) []source {
	images := ImagesDir(night)
	return []source{
		{images, CategoryImage},
		{path.Join(images, "Calibration"), CategoryCalibration},
		{path.Join(images, "AutoFlat"), CategoryAutoFlat},
		{LogsDir(night), CategoryLog},
	}
}

// NightDirs returns the top-level relative directories holding a night's
// files. Counting recursively under them covers every category.
func NightDirs(night string) []string {
	return []string{ImagesDir(night), LogsDir(night)}
}

// CategoryOf returns the category of a relative file path within a night.
func CategoryOf(night, rel string) Category {
	dir := path.Dir(rel)
	for _, s := range sources(night) {
		if dir == s.rel {
			return s.category
		}
	}
	return CategoryImage
}
