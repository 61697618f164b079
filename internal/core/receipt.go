package core

import (
	"mime"
	"path"
	"strings"
)

var receiptExts = map[string]bool{
	"jpg":  true,
	"jpeg": true,
	"png":  true,
	"webp": true,
	"heic": true,
}

// ReceiptExt returns the lower-cased extension of filename when it is an
// accepted image type, and "jpg" otherwise.
func ReceiptExt(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if receiptExts[ext] {
		return ext
	}
	return "jpg"
}

// ReceiptPath builds the object key for an uploaded receipt:
// {user}/{vehicle}/{record}/{name}.{ext}
func ReceiptPath(userID, vehicleID, recordID, name, filename string) string {
	return strings.Join([]string{userID, vehicleID, recordID, name + "." + ReceiptExt(filename)}, "/")
}

// ReceiptContentType keeps image/* content types and falls back to image/jpeg.
func ReceiptContentType(header string) string {
	mt, _, err := mime.ParseMediaType(header)
	if err != nil || !strings.HasPrefix(mt, "image/") {
		return "image/jpeg"
	}
	return mt
}

// ReceiptOwner extracts the user id prefix of a receipt path.
func ReceiptOwner(p string) string {
	owner, _, ok := strings.Cut(p, "/")
	if !ok {
		return ""
	}
	return owner
}

// MergeReceiptPaths returns existing followed by added, without duplicates or
// empty entries, preserving first-seen order.
func MergeReceiptPaths(existing, added []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(added))
	out := make([]string, 0, len(existing)+len(added))
	for _, list := range [][]string{existing, added} {
		for _, p := range list {
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
