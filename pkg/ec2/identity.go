// pkg/ec2/identity.go
package ec2

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	sbconfig "snapbucket/pkg/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
)

// Identity 是当前实例的身份信息，决定了后续所有客户端的 region
// 以及卷要挂到哪台机器上。
type Identity struct {
	InstanceID       string
	AvailabilityZone string
	Region           string
}

// FetchIdentity 从 IMDS 拉实例身份文档。
// 拉不到就意味着压根不在 EC2 实例上跑，直接失败。
func FetchIdentity(ctx context.Context) (Identity, error) {
	client := imds.New(imds.Options{})
	doc, err := client.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		return Identity{}, fmt.Errorf("tool needs to run on an EC2 instance: %w", err)
	}
	return Identity{
		InstanceID:       doc.InstanceID,
		AvailabilityZone: doc.AvailabilityZone,
		Region:           doc.Region,
	}, nil
}

// NewAWSConfig 组装注入所有客户端的 aws.Config。
// 【关键】代理走这里注入的 Transport，而不是改进程环境变量；
// region 来自 IMDS，不依赖外部 AWS_DEFAULT_REGION。
func NewAWSConfig(ctx context.Context, region string, s *sbconfig.Settings) (aws.Config, error) {
	httpClient := awshttp.NewBuildableClient().WithTransportOptions(func(tr *http.Transport) {
		tr.Proxy = proxyFunc(s.Proxy, s.NoProxy)
	})
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(httpClient),
	}
	// 默认走实例角色；显式 access key 只用于脱离角色的场景
	if s.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKeyID, s.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return cfg, nil
}

// proxyFunc 构造 Transport 的代理选择函数。
// 没配显式代理时沿用环境语义 (只读，不回写)；
// 配了代理时按 noproxy 列表做后缀匹配绕行。
// IMDS 的链路本地地址永远绕过代理。
func proxyFunc(proxy, noProxy string) func(*http.Request) (*url.URL, error) {
	bypass := []string{"169.254.169.254"}
	for _, host := range strings.Split(noProxy, ",") {
		if host = strings.TrimSpace(host); host != "" {
			bypass = append(bypass, host)
		}
	}
	if proxy == "" {
		return http.ProxyFromEnvironment
	}
	proxyURL, err := url.Parse(proxy)
	return func(req *http.Request) (*url.URL, error) {
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", proxy, err)
		}
		host := req.URL.Hostname()
		for _, b := range bypass {
			if host == b || strings.HasSuffix(host, "."+b) || strings.HasSuffix(host, b) {
				return nil, nil
			}
		}
		return proxyURL, nil
	}
}
