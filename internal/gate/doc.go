// Package gate 是花费闸门：模型请求的每一次链上操作都必须先通过
// 这里的串行校验（会话有效性、商户白名单、单笔限额、会话总限额、
// 网络并发互斥），全部通过才会交给执行器提交。
//
// 拒绝是业务结果而不是错误：闸门把拒绝原因原样返回给模型，
// 由模型转述给用户；只有基础设施故障才以 error 形式向上传播。
package gate
