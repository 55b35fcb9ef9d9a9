package s3

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// VideoStore 負責得標者影片在S3上的存取
// 影片與錄影session有7天的保留期限，到期後由清理程序呼叫
// DeleteVideo永久刪除
type VideoStore struct {
	// Client 是 S3 客戶端。
	Client *s3.Client
	// Bucket 是 S3 存儲桶的名稱。
	Bucket string
	// PublicEndpoint 是 S3 存儲桶的公開 Endpoint。
	PublicEndpoint *url.URL
}

func NewVideoStore(client *s3.Client, bucket, publicBaseURL string) (*VideoStore, error) {
	const op = "NewVideoStore"
	publicEndpoint, err := url.Parse(publicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to parse public base URL, err=%w", op, err)
	}
	return &VideoStore{Client: client, Bucket: bucket, PublicEndpoint: publicEndpoint}, nil
}

// UploadVideo 將影片內容上傳到S3並回傳公開URL
func (s *VideoStore) UploadVideo(ctx context.Context, path, contentType string, content io.Reader) (string, error) {
	const op = "UploadVideo"
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(path),
		Body:        content,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to upload video to S3, err=%w", op, err)
	}
	uri := *s.PublicEndpoint
	uri.Path = path
	return uri.String(), nil
}

// DeleteVideo 從S3永久刪除影片
func (s *VideoStore) DeleteVideo(ctx context.Context, path string) error {
	const op = "DeleteVideo"
	_, err := s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return fmt.Errorf("[%s] Fail to delete video from S3, err=%w", op, err)
	}
	return nil
}
