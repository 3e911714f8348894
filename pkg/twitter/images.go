package twitter

import (
	"regexp"

	"github.com/codeGROOVE-dev/xlink/pkg/profile"
)

var imageSizeSuffix = regexp.MustCompile(`_(normal|bigger|mini|200x200|400x400)(\.[A-Za-z0-9]+)?$`)

// ImageSizes derives the large, medium and tiny variants of a profile image URL.
// Used when no re-hosting service is configured.
func ImageSizes(imageURL, bannerURL string) profile.Images {
	img := profile.Images{Banner: bannerURL}
	if imageURL == "" {
		return img
	}
	if !imageSizeSuffix.MatchString(imageURL) {
		img.Large, img.Medium, img.Tiny = imageURL, imageURL, imageURL
		return img
	}
	img.Large = imageSizeSuffix.ReplaceAllString(imageURL, "_400x400$2")
	img.Medium = imageSizeSuffix.ReplaceAllString(imageURL, "_bigger$2")
	img.Tiny = imageSizeSuffix.ReplaceAllString(imageURL, "_mini$2")
	return img
}
