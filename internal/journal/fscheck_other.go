//go:build !darwin && !linux

package journal

func detectFilesystemType(path string) (string, error) {
	return "", errDetectUnsupported
}
