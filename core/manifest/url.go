package manifest

import "fmt"

// BlockURL formats a block's object URL per spec.md §6:
// {base}/SYNDICATE-DATA/{volume_id}{fs_path}.{file_id:hex}.{file_version}/{block_id}.{block_version}
func BlockURL(base string, volumeID uint64, fsPath string, fileID, fileVersion uint64, blockID int64, blockVersion uint64) string {
	return fmt.Sprintf("%s/SYNDICATE-DATA/%d%s.%X.%d/%d.%d",
		base, volumeID, fsPath, fileID, fileVersion, blockID, blockVersion)
}

// ManifestURL formats a manifest's object URL per spec.md §6:
// {base}/SYNDICATE-DATA/{volume_id}{fs_path}.{file_id:hex}.{file_version}/manifest.{mtime_sec}.{mtime_nsec}
func ManifestURL(base string, volumeID uint64, fsPath string, fileID, fileVersion uint64, mtimeSec, mtimeNsec int64) string {
	return fmt.Sprintf("%s/SYNDICATE-DATA/%d%s.%X.%d/manifest.%d.%d",
		base, volumeID, fsPath, fileID, fileVersion, mtimeSec, mtimeNsec)
}

// CacheBlockPath formats the local on-disk cache path for a block as a
// file:// URL under {dataRoot}/SYNDICATE-DATA/, adding the file id's
// 4x16-bit hash-split directories before the same volume/path/version/
// block segments BlockURL uses (spec.md §6 "Local cache URL scheme").
func CacheBlockPath(dataRoot string, volumeID uint64, fsPath string, fileID, fileVersion uint64, blockID int64, blockVersion uint64) string {
	return fmt.Sprintf("file://%s/SYNDICATE-DATA/%s/%d%s.%X.%d/%d.%d",
		dataRoot, hashSplitDir(fileID), volumeID, fsPath, fileID, fileVersion, blockID, blockVersion)
}

// hashSplitDir renders the 4 x 16-bit directory split of a 64-bit file
// id: /{id[63:48]}/{id[47:32]}/{id[31:16]}/{id[15:0]}.
func hashSplitDir(fileID uint64) string {
	return fmt.Sprintf("%04x/%04x/%04x/%04x",
		(fileID>>48)&0xFFFF, (fileID>>32)&0xFFFF, (fileID>>16)&0xFFFF, fileID&0xFFFF)
}
