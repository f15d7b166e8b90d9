package priority

import (
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-git/go-billy/v5"
)

// Asset type tags attached to candidates
const (
	AssetUnreal  = "unreal-asset"
	AssetArchive = "archive"
	AssetMedia   = "media"
	AssetBinary  = "binary"
)

var extensionTags = map[string]string{
	".uasset": AssetUnreal,
	".umap":   AssetUnreal,
	".ubulk":  AssetUnreal,
	".uexp":   AssetUnreal,
	".pak":    AssetArchive,
	".zip":    AssetArchive,
	".tar":    AssetArchive,
	".gz":     AssetArchive,
	".7z":     AssetArchive,
	".png":    AssetMedia,
	".jpg":    AssetMedia,
	".jpeg":   AssetMedia,
	".wav":    AssetMedia,
	".ogg":    AssetMedia,
	".mp4":    AssetMedia,
	".fbx":    AssetMedia,
	".dll":    AssetBinary,
	".so":     AssetBinary,
	".exe":    AssetBinary,
	".pdb":    AssetBinary,
}

// AssetTypeForExtension maps a lower-case extension to a known asset tag
func AssetTypeForExtension(ext string) string {
	return extensionTags[ext]
}

// sniffLimit matches mimetype's default read limit
const sniffLimit = 3072

// ContentTagger fills in AssetType for candidates the extension table does
// not know, by sniffing the first bytes of the file.
type ContentTagger struct {
	fs billy.Filesystem
}

// NewContentTagger creates a tagger reading from fsys
func NewContentTagger(fsys billy.Filesystem) *ContentTagger {
	return &ContentTagger{fs: fsys}
}

// Tag returns c with AssetType set to the detected MIME type when the
// extension table had no entry. Read failures leave the candidate untouched;
// the hasher reports them when it opens the file.
func (t *ContentTagger) Tag(c FileCandidate) FileCandidate {
	if c.AssetType != "" || c.Size == 0 {
		return c
	}
	f, err := t.fs.Open(c.Path)
	if err != nil {
		return c
	}
	defer func() {
		_ = f.Close()
	}()

	head := make([]byte, sniffLimit)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return c
	}
	mime := mimetype.Detect(head[:n])
	c.AssetType = strings.SplitN(mime.String(), ";", 2)[0]
	return c
}
