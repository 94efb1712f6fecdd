package tag

import (
	"github.com/Sorrow446/go-mp4tag"

	"qishuigrab/grab"
	"qishuigrab/grab/pipeline"
)

// Service embeds track metadata into MP4/M4A containers.
type Service struct {
	logger grab.Logger
}

func NewService(logger grab.Logger) *Service {
	return &Service{logger: logger}
}

// Embed writes the title, artist, and a single JPEG cover into the
// container at audioPath, replacing prior values for those three atoms
// and leaving everything else alone. The file is rewritten in place; the
// box layout may change, only the tag atoms are guaranteed on re-parse.
func (s *Service) Embed(audioPath string, cover []byte, trackName, artistName string) error {
	container, err := mp4tag.Open(audioPath)
	if err != nil {
		return pipeline.NewInvalidContainerError(audioPath, err)
	}
	defer container.Close()

	tags := &mp4tag.MP4Tags{
		Title:  trackName,
		Artist: artistName,
	}
	if len(cover) > 0 {
		tags.Pictures = []*mp4tag.MP4Picture{
			{
				Format: mp4tag.ImageTypeJPEG,
				Data:   cover,
			},
		}
	}

	if err := container.Write(tags, []string{}); err != nil {
		return pipeline.NewInvalidContainerError(audioPath, err)
	}

	if s.logger != nil {
		s.logger.Debug("embedded m4a tags",
			"track", trackName,
			"artist", artistName,
			"cover_bytes", len(cover),
		)
	}
	return nil
}

