package reid

import (
	"context"
	"encoding/json"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/LdDl/ppe-watch/inference"
	"github.com/pkg/errors"
)

// LoadGalleryJSON reads gallery from JSON file: [{"name": "...", "embeddings": [[...], ...]}]
func LoadGalleryJSON(path string) (Gallery, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Can't read gallery file '%s'", path)
	}
	gallery := Gallery{}
	err = json.Unmarshal(data, &gallery)
	if err != nil {
		return nil, errors.Wrapf(err, "Can't parse gallery file '%s'", path)
	}
	for i := range gallery {
		if gallery[i].Name == "" {
			return nil, errors.Errorf("Gallery entry %d has no name", i)
		}
	}
	return gallery, nil
}

// SaveGalleryJSON writes gallery as JSON file
func SaveGalleryJSON(path string, gallery Gallery) error {
	data, err := json.MarshalIndent(gallery, "", "  ")
	if err != nil {
		return errors.Wrap(err, "Can't marshal gallery")
	}
	err = os.WriteFile(path, data, 0o644)
	if err != nil {
		return errors.Wrapf(err, "Can't write gallery file '%s'", path)
	}
	return nil
}

var imageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
}

// BuildGalleryFromDir embeds reference images laid out as <dir>/<person>/<image>.
// People are ordered by directory name. Images which can't be decoded or embedded are skipped,
// people without any usable image are left out.
func BuildGalleryFromDir(ctx context.Context, dir string, embedder inference.Embedder) (Gallery, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "Can't read gallery directory '%s'", dir)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	gallery := Gallery{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		personDir := filepath.Join(dir, entry.Name())
		files, err := os.ReadDir(personDir)
		if err != nil {
			return nil, errors.Wrapf(err, "Can't read person directory '%s'", personDir)
		}
		identity := Identity{Name: entry.Name()}
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			if _, ok := imageExtensions[strings.ToLower(filepath.Ext(file.Name()))]; !ok {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			img, err := decodeImageFile(filepath.Join(personDir, file.Name()))
			if err != nil {
				continue
			}
			embedding, err := embedder.Embed(ctx, img)
			if err != nil || len(embedding) == 0 {
				continue
			}
			identity.Embeddings = append(identity.Embeddings, embedding)
		}
		if len(identity.Embeddings) > 0 {
			gallery = append(gallery, identity)
		}
	}
	return gallery, nil
}

func decodeImageFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}
